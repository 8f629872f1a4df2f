package agent

import "errors"

// ErrUnexpectedResponse indicates a peer answered with a response kind
// the call did not ask for.
var ErrUnexpectedResponse = errors.New("agent: unexpected response")

// RemoteError carries the message of an Error response from a peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "agent: remote error: " + e.Message
}

// AsRemote unwraps err into a RemoteError if one is in its chain.
func AsRemote(err error) (*RemoteError, bool) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote, true
	}
	return nil, false
}
