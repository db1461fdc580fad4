package method

import "context"

// AccessLevel controls who may call a method.
type AccessLevel int

const (
	// Public methods are callable by anyone. This is the zero value.
	Public AccessLevel = iota
	// Private methods need the target's Authorizer to accept the sender and tag.
	Private
	// Self methods may only be called by the target itself.
	Self
	// Unavailable methods are never callable remotely.
	Unavailable
)

// Access is the access rule of a method.
type Access struct {
	Level AccessLevel
	Tag   string
}

// Authorizer is implemented by targets that guard Private and Self methods.
type Authorizer interface {
	OnAccess(sender, tag string) bool
	IsSelf(sender string) bool
}

// Allowed reports whether sender may call d on target.
func (d *Def) Allowed(target any, sender string) bool {
	switch d.Access.Level {
	case Public:
		return true
	case Unavailable:
		return false
	}
	auth, ok := target.(Authorizer)
	if !ok {
		return false
	}
	if d.Access.Level == Self {
		return auth.IsSelf(sender)
	}
	return auth.OnAccess(sender, d.Access.Tag)
}

type senderKey struct{}

// WithSender attaches the caller's URL to ctx for sender parameters and
// access checks.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey{}, sender)
}

// SenderFrom returns the caller's URL carried by ctx, or "".
func SenderFrom(ctx context.Context) string {
	s, _ := ctx.Value(senderKey{}).(string)
	return s
}
