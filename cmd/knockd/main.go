package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sentinyl/backend/internal/config"
	"github.com/sentinyl/backend/internal/knock"
)

func main() {
	var (
		port    int
		iface   string
		verbose bool
		setName string
	)

	root := &cobra.Command{
		Use:   "knockd",
		Short: "Single-packet authorization daemon",
		Long: "Sniffs UDP knock packets and opens short-lived firewall exceptions\n" +
			"for authenticated senders. Requires CAP_NET_RAW for sniffing and\n" +
			"CAP_NET_ADMIN for ipset manipulation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(port, iface, setName, verbose)
		},
	}
	root.Flags().IntVarP(&port, "port", "p", knock.DefaultPort, "UDP port to watch")
	root.Flags().StringVarP(&iface, "interface", "i", "", "network interface (default: first up)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log dropped packets")
	root.Flags().StringVar(&setName, "ipset", "sentinyl_whitelist", "ipset name for accepted sources")

	if err := root.Execute(); err != nil {
		os.Exit(3)
	}
}

func run(port int, iface, setName string, verbose bool) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	key, err := cfg.GhostKey()
	if err != nil {
		// Missing or malformed key is a configuration error, exit code 1.
		log.Printf("Configuration error: %v", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", "knockd")

	if iface == "" {
		iface, err = firstUpInterface()
		if err != nil {
			return fmt.Errorf("pick interface: %w", err)
		}
	}

	handle, err := pcap.OpenLive(iface, 2048, false, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("open %s for sniffing: %w", iface, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp and dst port %d", port)
	if err := handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("set BPF filter %q: %w", filter, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := knock.NewServer(key, knock.NewIPSetWhitelist(setName), logger)
	log.Printf("knockd listening on %s udp/%d (ipset %s)", iface, port, setName)

	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	for {
		select {
		case <-ctx.Done():
			log.Println("knockd stopped")
			return nil
		case packet, ok := <-packets:
			if !ok {
				return fmt.Errorf("capture stream closed")
			}
			handlePacket(server, packet)
		}
	}
}

// handlePacket extracts the source address and UDP payload; anything that
// is not a complete IPv4+UDP datagram is ignored.
func handlePacket(server *knock.Server, packet gopacket.Packet) {
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	udp := udpLayer.(*layers.UDP)
	if len(udp.Payload) == 0 {
		return
	}
	server.OnPacket(ip.SrcIP.String(), udp.Payload)
}

// firstUpInterface picks the first non-loopback device pcap can see.
func firstUpInterface() (string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.Name == "lo" || len(d.Addresses) == 0 {
			continue
		}
		return d.Name, nil
	}
	return "", fmt.Errorf("no usable capture interface found")
}
