package remote

import "encoding/json"

// initMessage opens a subscribe session after dialing.
type initMessage struct {
	Op      string `json:"op"`
	Token   string `json:"token"`
	User    string `json:"user"`
	KeyHash string `json:"keyHash"`
	Device  string `json:"device"`
}

// initResponse is the server's answer to init.
type initResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg,omitempty"`
}

// snapshotMessage delivers the entire current remote collection for one
// domain. The server sends it on every change to that collection,
// whether the change originated on this device or another; callers must
// echo-filter themselves.
type snapshotMessage struct {
	Op         string            `json:"op"`
	Collection string            `json:"collection"`
	Docs       []json.RawMessage `json:"docs"`
}
