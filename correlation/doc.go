// Package correlation matches inbound responses to the outbound requests that
// caused them.
//
// A request is identified by its command name and sequence id. The caller
// registers the key before sending so a fast response cannot arrive
// unmatched:
//
//	sender := correlation.NewSender(correlation.NewRegistry())
//	pkt, err := sender.SendAndExpect(ctx, conn, frame,
//	    correlation.Key{CommandName: "Heartbeat.Alive", SequenceID: seq},
//	    correlation.NewOptions())
//
// The frame reader calls Registry.Complete for every decoded packet; an
// unmatched completion returns false and is otherwise ignored. When the
// transport closes the supervisor calls Registry.CancelAll so no caller stays
// blocked across a reconnect.
package correlation
