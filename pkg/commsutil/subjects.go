package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectAgentsRoot  = "agents"
	SubjectAgentEvents = "agenthost.agent.changed"
)

// subjectToken makes s usable as a single subject token. Agent ids travel in
// the Agent-Id header, so the mapping does not need to be reversible.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// BuildAgentSubject builds the subject an agent on hostName receives requests on.
func BuildAgentSubject(hostName, agentID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectAgentsRoot, subjectToken(hostName), subjectToken(agentID))
}

// BuildHostSubject builds the wildcard subject covering every agent of hostName.
func BuildHostSubject(hostName string) string {
	return fmt.Sprintf("%s.%s.*", SubjectAgentsRoot, subjectToken(hostName))
}

// BuildEventSubject builds a granular agent event subject.
func BuildEventSubject(hostName, kind string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectAgentEvents, subjectToken(hostName), subjectToken(kind))
}
