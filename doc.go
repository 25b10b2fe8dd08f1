// Package eventhandler is a multi-threaded, edge-triggered, non-blocking
// TCP event handler. It multiplexes many sockets across a fixed pool of
// worker threads, each owning a private OS readiness selector (epoll on
// Linux, kqueue on Darwin/BSD, IOCP on Windows), and exposes a
// callback-oriented API for accept, read, write, close, housekeeping and
// panic recovery. TLS termination and origination are optional and
// transparent to the callbacks: plaintext in, plaintext out.
//
// Construct a Handler with New, attach callbacks with WithCallbacks,
// hand it one listener Handle per worker via AddListenerHandles (and/or
// client handles via AddHandle), then call Start. Application code may
// call Write, Close and AsyncComplete on a ConnectionData from any
// goroutine; Stop shuts every worker down.
package eventhandler
