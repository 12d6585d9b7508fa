package speech

import "context"

// Relay forwards utterances to a remote client that owns the synthesis engine.
type Relay struct {
	send func(ctx context.Context, u Utterance) error
}

func NewRelay(send func(ctx context.Context, u Utterance) error) *Relay {
	return &Relay{send: send}
}

func (r *Relay) Speak(ctx context.Context, u Utterance) error {
	if r.send == nil {
		return ErrCapabilityUnavailable
	}
	return r.send(ctx, u)
}
