package protocol

import "github.com/pion/webrtc/v4"

// JoinRequest is the room:join payload sent by a client.
type JoinRequest struct {
	Name string `json:"name"`
	Room string `json:"room"`
}

// JoinAck is the room:join payload the server sends back to the joiner.
type JoinAck struct {
	Room string `json:"room"`
	ID   string `json:"id"`
}

// UserJoined tells the existing occupant who entered the room.
type UserJoined struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// UserLeft announces a departure. Email mirrors the field browsers send
// with a voluntary leave; ID is filled by the server on disconnect.
type UserLeft struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
}

// OfferPayload carries an initial or renegotiation offer.
type OfferPayload struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

// AnswerPayload carries an initial or renegotiation answer.
type AnswerPayload struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ScreenPayload marks the start or stop of a screen share.
type ScreenPayload struct {
	TrackID string `json:"trackId,omitempty"`
}

// CameraPayload carries the sender's camera enablement.
type CameraPayload struct {
	Enabled bool `json:"enabled"`
}

// ErrorPayload is sent by the server when it rejects a message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
