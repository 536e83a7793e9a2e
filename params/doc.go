/*
Package params turns process arguments into the immutable ServerConfig consumed
by the management server.

Flags are declared with urfave/cli and can also be supplied through
CONTROL_SERVER_* environment variables. Parse validates the address of every
enabled family before the config is handed out, so consumers never see an
unparsable bind address.

	cfg, err := params.Parse(os.Args)
	if errors.Is(err, params.ErrUsage) {
		return nil // help was printed
	}

A help request (-h, --help) is reported as ErrUsage with cfg.PrintUsage set.
*/
package params
