package main

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-transport/driver/loopback"
	"github.com/cyberinferno/go-transport/logger"
	"github.com/cyberinferno/go-transport/metrics"
	"github.com/cyberinferno/go-transport/queue"
	"github.com/cyberinferno/go-transport/server"
	"github.com/cyberinferno/go-transport/transport"
)

const simulateMaxTicks = 1000

type simulation struct {
	Clients        int
	Messages       int
	MaximumClients int
}

type simulationResult struct {
	Admitted int
	Rejected int
	Sent     int
	Echoed   int
	Ticks    int
}

func simulateCmd() *cobra.Command {
	var sim simulation

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process echo session over the loopback driver",
		Long: `Start a server on an in-memory network, connect clients, send each
admitted client's messages on alternating channels and wait for the echoes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sim.run(logger.NewNopLogger())
			if err != nil {
				return err
			}

			printSimulation(cmd.OutOrStdout(), sim, res)
			if res.Echoed != res.Sent {
				return fmt.Errorf("only %d of %d messages echoed", res.Echoed, res.Sent)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&sim.Clients, "clients", 4, "Number of clients to connect")
	cmd.Flags().IntVar(&sim.Messages, "messages", 16, "Messages sent by each admitted client")
	cmd.Flags().IntVar(&sim.MaximumClients, "max-clients", 3, "Server client limit")

	return cmd
}

func (sim simulation) run(lg logger.Logger) (simulationResult, error) {
	var res simulationResult

	network := loopback.NewNetwork()
	cfg := server.DefaultConfig()
	cfg.ListenEndpoint = netip.MustParseAddrPort("127.0.0.1:7777")
	cfg.MaximumClients = sim.MaximumClients

	var srv *server.Server
	echo := server.Handlers{
		OnReceivedData: func(data []byte, channel transport.Channel, id transport.ClientID, asServer bool) {
			_ = srv.SendToClient(channel, data, id)
		},
	}

	srv, err := server.New(cfg, network.Factory(loopback.Options{}),
		server.WithLogger(lg),
		server.WithMetrics(metrics.New(prometheus.NewRegistry(), "simulate")),
		server.WithHandler(echo),
	)
	if err != nil {
		return res, err
	}

	if err := srv.StartConnection(); err != nil {
		return res, err
	}
	defer srv.StopServer()

	clients := make([]*loopback.Client, 0, sim.Clients)
	for n := 0; n < sim.Clients; n++ {
		c, err := network.Dial(cfg.ListenEndpoint)
		if err != nil {
			return res, err
		}
		clients = append(clients, c)
	}

	if err := srv.Tick(); err != nil {
		return res, err
	}
	res.Ticks++

	var admitted []*loopback.Client
	for _, c := range clients {
		if c.Connected() {
			admitted = append(admitted, c)
		}
	}
	res.Admitted = len(admitted)
	res.Rejected = len(clients) - len(admitted)

	for _, c := range admitted {
		for i := 0; i < sim.Messages; i++ {
			channel := transport.Reliable
			if i%2 == 1 {
				channel = transport.Unreliable
			}

			msg := fmt.Appendf(nil, "%s message %d", c.LocalEndpoint(), i)
			if err := c.Send(channel, queue.AppendFrame(nil, msg)); err != nil {
				return res, err
			}
			res.Sent++
		}
	}

	for res.Ticks < simulateMaxTicks {
		if err := srv.Tick(); err != nil {
			return res, err
		}
		res.Ticks++

		echoed, err := countEchoes(admitted, cfg.SendQueueCapacity)
		if err != nil {
			return res, err
		}

		res.Echoed = echoed
		if echoed == res.Sent {
			break
		}
	}

	return res, nil
}

// countEchoes reassembles everything each client received so far.
func countEchoes(clients []*loopback.Client, maxMessage int) (int, error) {
	total := 0
	for _, c := range clients {
		stream := queue.NewReceiveQueue(maxMessage)
		for _, p := range c.Received() {
			var (
				msgs [][]byte
				err  error
			)
			if p.Channel == transport.Reliable {
				msgs, err = stream.Push(p.Payload)
			} else {
				msgs, err = queue.SplitFrames(p.Payload)
			}
			if err != nil {
				return 0, fmt.Errorf("client %s: %w", c.LocalEndpoint(), err)
			}
			total += len(msgs)
		}
	}

	return total, nil
}

func printSimulation(out io.Writer, sim simulation, res simulationResult) {
	fmt.Fprintf(out, "clients:   %d connected, %d admitted, %d rejected (limit %d)\n",
		sim.Clients, res.Admitted, res.Rejected, sim.MaximumClients)
	fmt.Fprintf(out, "messages:  %d sent, %d echoed\n", res.Sent, res.Echoed)
	fmt.Fprintf(out, "ticks:     %d\n", res.Ticks)
}
