package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	daemon "github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/ctxbudget/pkg/app"
)

const serviceName = "ctxbudget"

// program adapts app.Serve to the service manager's Start/Stop contract.
type program struct {
	params app.RunParams
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(_ daemon.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- app.Serve(ctx, p.params) }()
	return nil
}

func (p *program) Stop(_ daemon.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

func serviceConfig(configPath string) (*daemon.Config, error) {
	args := []string{"service", "run"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", abs)
	}
	return &daemon.Config{
		Name:        serviceName,
		DisplayName: "ctxbudget gateway",
		Description: "Token-budgeted context compaction gateway.",
		Arguments:   args,
		Option: daemon.KeyValue{
			"UserService": true,
		},
	}, nil
}

func serviceCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage ctxbudget as a system service",
	}

	newService := func() (daemon.Service, *program, error) {
		params, err := g.params()
		if err != nil {
			return nil, nil, err
		}
		cfg, err := serviceConfig(g.configPath)
		if err != nil {
			return nil, nil, err
		}
		prg := &program{params: params}
		s, err := daemon.New(prg, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s, prg, nil
	}

	for _, action := range []string{"install", "uninstall", "start", "stop", "restart"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the %s service", action, serviceName),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, _, err := newService()
				if err != nil {
					return err
				}
				if err := daemon.Control(s, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s: %s done\n", serviceName, action)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, err := newService()
			if err != nil {
				return err
			}
			st, err := s.Status()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusText(st))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, _, err := newService()
			if err != nil {
				return err
			}
			if err := s.Run(); err != nil {
				fmt.Fprintln(os.Stderr, "service:", err)
				return err
			}
			return nil
		},
	})
	return cmd
}

func statusText(st daemon.Status) string {
	switch st {
	case daemon.StatusRunning:
		return "running"
	case daemon.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
