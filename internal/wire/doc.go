// Package wire works with HTTP/1.1 at the byte level. It renders raw request
// templates into the exact bytes written to a socket, and reads responses
// back off a buffered connection, decoding any content encoding so that the
// result table stores readable bodies.
//
// Requests are never built through net/http: the engine must control every
// byte, including the final one that a gate holds back.
package wire
