package audio

import "context"

// StaticPermission answers microphone permission requests from configuration.
// Desktop hosts have no consent prompt; access is governed by the device itself.
type StaticPermission struct {
	Granted bool
}

func (p StaticPermission) RequestMicrophone(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.Granted, nil
}
