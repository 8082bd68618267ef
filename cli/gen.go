package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhpjy/sniproxy-ng/hello"
	"github.com/zhpjy/sniproxy-ng/quic"
)

type genOptions struct {
	format string
	quic   string
}

func newGenCmd(o *rootOptions) *cobra.Command {
	var g genOptions
	cmd := &cobra.Command{
		Use:   "gen HOST...",
		Short: "Write synthetic ClientHellos for testing",
		Long: `Write one ClientHello per HOST. --format hex prints one line per host,
raw writes the records back to back and pcap writes an Ethernet capture
with one packet per host. --quic v1|v2 wraps each ClientHello in a QUIC
Initial packet instead of a TLS record.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := o.loadConfig(cmd.Flags(), nil); err != nil {
				return err
			}
			return g.run(o, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&g.format, "format", "hex", "output format: hex, raw or pcap")
	f.StringVar(&g.quic, "quic", "", "emit QUIC Initial packets: v1 or v2")
	return cmd
}

func (g *genOptions) payload(host string) ([]byte, error) {
	rec := hello.ForHost(host)
	var version uint32
	switch g.quic {
	case "":
		return rec, nil
	case "v1", "1":
		version = quic.Version1
	case "v2", "2":
		version = quic.Version2
	default:
		return nil, fmt.Errorf("unknown QUIC version %q", g.quic)
	}
	dcid := make([]byte, 8)
	if _, err := rand.Read(dcid); err != nil {
		return nil, err
	}
	// the CRYPTO stream carries the handshake message without the record header
	return quic.SealInitial(version, dcid, nil, 0, quic.CryptoFrame(0, rec[5:]))
}

func (g *genOptions) run(o *rootOptions, hosts []string) error {
	switch g.format {
	case "hex", "raw", "pcap":
	default:
		return fmt.Errorf("unknown format %q", g.format)
	}

	var frames [][]byte
	for i, h := range hosts {
		p, err := g.payload(h)
		if err != nil {
			return err
		}
		switch g.format {
		case "hex":
			fmt.Fprintln(o.stdout, hex.EncodeToString(p))
		case "raw":
			if _, err := o.stdout.Write(p); err != nil {
				return err
			}
		case "pcap":
			fr, err := hello.Frame(p, hello.Flow{UDP: g.quic != "", SrcPort: uint16(40000 + i), Seq: 1})
			if err != nil {
				return err
			}
			frames = append(frames, fr)
		}
	}
	if g.format == "pcap" {
		return hello.WritePCAP(o.stdout, frames...)
	}
	return nil
}
