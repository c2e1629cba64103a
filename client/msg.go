package client

// Msg is one delivery. Sub is nil for messages built by the caller for
// PublishMsg.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Sub     *Subscription
}

// Respond publishes data to the message's reply subject.
func (m *Msg) Respond(data []byte) error {
	if m.Reply == "" {
		return ErrMsgNoReply
	}
	if m.Sub == nil {
		return ErrBadSubscription
	}
	return m.Sub.c.Publish(m.Reply, data)
}
