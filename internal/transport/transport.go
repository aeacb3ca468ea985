// Package transport declares the send-side interfaces the Scheduler and
// Liveness actors talk through. No implementation ships here: wire-format
// encoding and the transport itself are deliberately out of scope, the way
// a Transport interface is consumed by a consensus module without binding
// it to any one wire format.
package transport

import (
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/proto"
)

// FrameworkTransport delivers coordinator->framework messages.
type FrameworkTransport interface {
	Registered(fw ids.FrameworkID, msg proto.FrameworkRegistered)
	Offers(fw ids.FrameworkID, msg proto.ResourceOffers)
	Rescind(fw ids.FrameworkID, msg proto.RescindOffer)
	Status(fw ids.FrameworkID, msg proto.StatusUpdate) // caller awaits the ack out of band via AckStatusUpdate
	ExecutorMessage(fw ids.FrameworkID, msg proto.ExecutorToFrameworkMessage)
	Error(fw ids.FrameworkID, msg proto.FrameworkError)
	LostWorker(fw ids.FrameworkID, msg proto.LostWorker)
}

// WorkerTransport delivers coordinator->worker messages.
type WorkerTransport interface {
	Registered(w ids.WorkerID, msg proto.WorkerRegistered)
	Reregistered(w ids.WorkerID, msg proto.WorkerReregistered)
	Launch(w ids.WorkerID, msg proto.LaunchTask)
	Kill(w ids.WorkerID, msg proto.KillTask)
	Shutdown(w ids.WorkerID, msg proto.Shutdown)
	Ping(w ids.WorkerID, msg proto.PingWorker)
}
