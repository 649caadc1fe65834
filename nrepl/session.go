package nrepl

// Session is an opaque server-issued evaluation context id. Sessions are
// only constructed by the connection that cloned them; the connection's
// registry decides which ids are legitimate, so a caller cannot fabricate a
// session and reach another client's state through it.
type Session struct {
	id string
}

// ID returns the server-issued session id.
func (s Session) ID() string { return s.id }

func (s Session) String() string { return s.id }
