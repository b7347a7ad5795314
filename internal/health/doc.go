// Package health provides composable probes and the HTTP handlers that
// serve them on the ops listener.
//
// Probes combine with [All] (AND) and [Any] (OR); [Fixed] is static and
// [CheckFunc] adapts a plain function. [Timeout] bounds a slow dependency
// check such as loading the token verification key.
//
// [ShutdownGate] fails readiness as soon as shutdown begins so load balancers
// stop routing before in-flight requests drain.
package health
