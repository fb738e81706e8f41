package echo

// Policy turns a decoded message into the message to reply with.
// It runs synchronously on the connection's read loop and must not block.
type Policy func(Message) (Message, error)

// Echo is the identity policy: the reply carries the request's payload
// unchanged, together with its protocol metadata.
func Echo(m Message) (Message, error) {
	return m, nil
}
