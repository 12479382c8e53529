package cmd

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hlindberg/mezquit/internal/broker"
	"github.com/hlindberg/mezquit/internal/queue"
)

// ListenAddress is the TCP address the broker accepts connections on,
// overridable on the command line beside the "listen" config key.
var ListenAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MQTT broker",
	Long: `Runs the MQTT v3.1.1 broker core, accepting TCP connections and driving
each one through the CONNECT/PUBLISH/SUBSCRIBE lifecycle, routing
publishes between subscribers and persisting in-flight QoS1/QoS2
traffic across reconnects.
	`,
	Run: func(cmd *cobra.Command, args []string) {
		if ListenAddress == "" {
			ListenAddress = viper.GetString("listen")
		}
		maxInflight := uint16(viper.GetInt("max_inflight"))
		timeout := time.Duration(viper.GetInt("timeout")) * time.Second

		if err := runServe(ListenAddress, maxInflight, timeout); err != nil {
			log.Fatalf("serve: %s", err)
		}
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
	flags := serveCmd.PersistentFlags()
	flags.StringVarP(&ListenAddress, "listen", "l", "", "address to listen on (default from config, e.g. ':1883')")
}

func runServe(listenAddress string, maxInflight uint16, timeout time.Duration) error {
	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return err
	}
	defer listener.Close()

	log.Infof("mezquit broker listening on %s (max_inflight=%d, timeout=%s)", listenAddress, maxInflight, timeout)

	store := queue.NewMemoryQueue(maxInflight, timeout)
	global := broker.NewGlobal(store)
	cfg := broker.Config{MaxInflight: maxInflight, Timeout: timeout}

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Errorf("accept: %s", err)
			continue
		}
		go acceptOne(conn, global, cfg)
	}
}

func acceptOne(conn net.Conn, global *broker.Global, cfg broker.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := broker.Serve(ctx, conn, global, cfg); err != nil {
		log.Debugf("connection from %s ended: %s", conn.RemoteAddr(), err)
	}
}
