// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pump bridges one UDP socket to a pair of bounded queues.
//
// # Loops
//
// Every pump runs two goroutines over the socket it owns:
//
//	receive loop: socket --ReadFromUDP--> Datagram{Origin} --> inbound chan
//	send loop:    outbound chan --> Datagram{Destination} --WriteToUDP--> socket
//
// The inbound channel is supplied by the caller, so many pumps can publish
// into one fan-in channel. The outbound queue is created by the pump.
// A full inbound channel suspends the receive loop until the consumer
// catches up.
//
// # Errors
//
// Timeouts, EINTR, EAGAIN, ENOBUFS and ECONNREFUSED are retried by the loop
// that saw them. Any other error, including a closed socket, stops the pump;
// Done is closed and Err reports the cause. Cancelling the context passed to
// Start stops the pump without an error.
//
// # Example
//
//	in := make(chan datagram.Datagram, 1024)
//	p := pump.Start(ctx, conn, in, pump.Config{Name: "client"})
//	defer p.Close()
//
//	d := <-in
//	p.Outbound() <- d.To(d.Origin) // echo
package pump
