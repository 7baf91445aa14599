// Package server implements the HTTP side of the chat service: configuration,
// routing of the durable interface, the live-channel upgrade, origin checks,
// middleware and server lifecycle.
//
// Handlers are thin: they decode the request, call the mutation pipeline or
// the account service, and map the returned error kind onto a status code.
package server
