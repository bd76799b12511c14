// Package video is a client SDK for real-time video calling. A Client
// authenticates against the coordinator service and tracks the calls a
// user is part of; joining a Call opens a signaling session to the SFU
// and negotiates the publisher and subscriber peer connections.
//
// All server-pushed events flow through one events.Dispatcher and are
// reconciled into a reactive store.Store that UI layers can subscribe
// to.
package video
