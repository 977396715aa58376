// Package sfu is a gRPC client towards an external SFU control plane, grounded on
// pkg/sfu/client.go from the teacher repo. The teacher's client sits on top of
// protoc-generated stubs (gen/proto) for a SfuService with CreateSession/HandleSignal/
// DeleteSession/ListenEvents RPCs; this repo has no .proto file or protoc step to regenerate
// those stubs from, so the same four RPCs are issued over a plain google.golang.org/grpc
// ClientConn using a small JSON wire codec (registered with grpc's own encoding.RegisterCodec
// plugin point, see codec.go) instead of protobuf-generated message types. The transport,
// service routing, and circuit breaker are the real thing; only the wire encoding differs.
package sfu

// CreateSessionRequest asks the SFU to open a session for one participant in one room.
type CreateSessionRequest struct {
	UserId string `json:"user_id"`
	RoomId string `json:"room_id"`
}

type CreateSessionResponse struct {
	SessionId string `json:"session_id"`
}

// SignalMessage carries one leg of the SDP/ICE exchange from a participant towards the SFU.
type SignalMessage struct {
	UserId      string `json:"user_id"`
	RoomId      string `json:"room_id"`
	SdpOffer    string `json:"sdp_offer,omitempty"`
	SdpAnswer   string `json:"sdp_answer,omitempty"`
	IceCandidate string `json:"ice_candidate,omitempty"`
}

type SignalResponse struct {
	SdpAnswer    string `json:"sdp_answer,omitempty"`
	IceCandidate string `json:"ice_candidate,omitempty"`
}

type DeleteSessionRequest struct {
	UserId string `json:"user_id"`
	RoomId string `json:"room_id"`
}

type DeleteSessionResponse struct{}

type ListenRequest struct {
	UserId string `json:"user_id"`
	RoomId string `json:"room_id"`
}

// Event is one asynchronous notification the SFU pushes back over the ListenEvents stream.
type Event struct {
	Kind         string `json:"kind"`
	TrackId      string `json:"track_id,omitempty"`
	SdpOffer     string `json:"sdp_offer,omitempty"`
	IceCandidate string `json:"ice_candidate,omitempty"`
}

const (
	EventTrackAdded    = "track_added"
	EventRenegotiate   = "renegotiate"
	EventTrackRemoved  = "track_removed"
)
