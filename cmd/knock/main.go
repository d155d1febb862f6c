package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sentinyl/backend/internal/config"
	"github.com/sentinyl/backend/internal/knock"
)

// Exit codes: 0 ok, 1 configuration error, 2 send failure, 3 fatal error.
const (
	exitConfig = 1
	exitSend   = 2
	exitFatal  = 3
)

func main() {
	var (
		server   string
		port     int
		clientIP string
		verbose  bool
	)

	root := &cobra.Command{
		Use:   "knock",
		Short: "Send an authenticated knock to open firewall access",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(server, port, clientIP, verbose))
		},
	}
	root.Flags().StringVarP(&server, "server", "s", "", "target server address (required)")
	root.Flags().IntVarP(&port, "port", "p", knock.DefaultPort, "target UDP port")
	root.Flags().StringVarP(&clientIP, "ip", "i", "", "client IP to whitelist (auto-detect if empty)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	root.MarkFlagRequired("server")

	root.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a shared secret for GHOST_SECRET_KEY",
		Run: func(cmd *cobra.Command, args []string) {
			key, err := knock.GenerateKey()
			if err != nil {
				log.Printf("Key generation failed: %v", err)
				os.Exit(exitFatal)
			}
			fmt.Println(key)
			fmt.Fprintln(os.Stderr, "Export on both ends: GHOST_SECRET_KEY="+key)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func run(server string, port int, clientIP string, verbose bool) int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Configuration error: %v", err)
		return exitConfig
	}
	key, err := cfg.GhostKey()
	if err != nil {
		log.Printf("Configuration error: %v", err)
		return exitConfig
	}

	if clientIP == "" {
		clientIP, err = localIP()
		if err != nil {
			log.Printf("Could not auto-detect client IP: %v", err)
			return exitSend
		}
	}

	if verbose {
		log.Printf("Target: %s:%d", server, port)
		log.Printf("Client IP: %s", clientIP)
	}

	packet, err := knock.Seal(key, clientIP, time.Now())
	if err != nil {
		log.Printf("Could not build knock packet: %v", err)
		return exitFatal
	}

	conn, err := net.DialTimeout("udp", fmt.Sprintf("%s:%d", server, port), time.Second)
	if err != nil {
		log.Printf("Send failed: %v", err)
		return exitSend
	}
	defer conn.Close()
	if _, err := conn.Write(packet); err != nil {
		log.Printf("Send failed: %v", err)
		return exitSend
	}

	if verbose {
		log.Printf("Knock sent; firewall should open for %s", knock.WhitelistDuration)
	}
	return 0
}

// localIP determines the outbound address without sending anything: UDP
// dial only selects a route.
func localIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
