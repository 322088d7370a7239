package main

import "example.com/room_call/pkg/protocol"

// Messages the server originates. Payloads are plain structs, so encoding
// cannot fail and the error from protocol.New is dropped.

func joinAck(room, id string) protocol.Envelope {
	env, _ := protocol.New(protocol.KindRoomJoin, "", protocol.JoinAck{Room: room, ID: id})
	return env
}

func userJoined(id, name string) protocol.Envelope {
	env, _ := protocol.New(protocol.KindUserJoined, "", protocol.UserJoined{Name: name, ID: id})
	env.From = id
	return env
}

func userLeft(id, name string) protocol.Envelope {
	env, _ := protocol.New(protocol.KindUserLeft, "", protocol.UserLeft{ID: id, Name: name})
	env.From = id
	return env
}

func errorMessage(code, message string) protocol.Envelope {
	env, _ := protocol.New(protocol.KindError, "", protocol.ErrorPayload{Code: code, Message: message})
	return env
}
