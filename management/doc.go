/*
Package management implements the lifecycle of the control server: the event
loop every transport endpoint attaches to, the per-family listeners, the
bookkeeping registries and the Server state machine tying them together.

# Lifecycle

	created ──Init──▶ initialized ──Start──▶ running ──Stop──▶ shutting-down ──▶ stopped

Init parses the arguments, creates the event loop, makes it notifiable and
attaches one listener per enabled address family. Any failure releases what
was already acquired, in reverse order, and no Server is returned.

Start binds IPv4 then IPv6 and blocks inside the event loop. A bind failure is
reported as a *BindError; sockets bound earlier stay open until Fini.

Stop marks the server as shutting down, after which the router answers new
requests with 503, and schedules the loop to exit after the grace period.
Connections and queued callbacks keep being served until then. The loop
leaves earlier if it runs out of work. A Stop before Start is remembered and
applied once the loop is entered.

Fini releases the configuration, the listeners, the event loop and the
server's own resources. It tolerates a nil server and repeated calls.

# Bind addresses

Listeners are bound with composed addresses of the form "ipv4:<addr>" and
"ipv6:<addr>". Log consumers parse these, see BindAddress.

# Example Usage

	srv, err := management.Init(os.Args, management.WithControllers(ctrl))
	if err != nil {
		return err
	}
	defer srv.Fini()

	go func() {
		<-sigCh
		srv.Stop()
	}()

	return srv.Start()
*/
package management
