/*
 opscope drives interactive remote shell sessions on a single
 delegated execution host while observing everything typed
 and returned.

 One SSH connection is shared by any number of terminal
 sessions. Each session's output is broadcast to viewers,
 correlated back to the command that produced it, and scanned
 for known services and tooling so that per-target attack
 path progress can be advanced automatically.

 The core is managed over a control socket (websocket or
 plain TCP) that accepts optionally HMAC-signed commands and
 pushes live session events back to connected clients.

*/
package opscope
