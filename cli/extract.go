package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhpjy/sniproxy-ng/quic"
	"github.com/zhpjy/sniproxy-ng/tls"
)

type extractOptions struct {
	file      string
	handshake bool
	quic      bool
}

func newExtractCmd(o *rootOptions) *cobra.Command {
	var eo extractOptions
	cmd := &cobra.Command{
		Use:   "extract [HEX|-]",
		Short: "Print the SNI of one ClientHello",
		Long: `Print the SNI of one ClientHello given as a hex argument, a file or
stdin ("-" or no argument). Files and stdin may hold raw bytes or hex.
With --trace every parsed field is printed first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := o.loadConfig(cmd.Flags(), nil); err != nil {
				return err
			}
			in, err := eo.input(o, args)
			if err != nil {
				return err
			}
			return eo.run(o, in)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&eo.file, "file", "f", "", "read input from file")
	f.BoolVar(&eo.handshake, "handshake", false, "input starts at the handshake header (no record header)")
	f.BoolVar(&eo.quic, "quic", false, "input is a QUIC Initial packet")
	cmd.MarkFlagsMutuallyExclusive("handshake", "quic")
	return cmd
}

func (eo *extractOptions) input(o *rootOptions, args []string) ([]byte, error) {
	var raw []byte
	var err error
	switch {
	case eo.file != "" && len(args) > 0:
		return nil, errors.New("give either --file or an argument")
	case eo.file != "":
		raw, err = os.ReadFile(eo.file)
	case len(args) == 0 || args[0] == "-":
		raw, err = io.ReadAll(o.stdin)
	default:
		return decodeHex(args[0])
	}
	if err != nil {
		return nil, err
	}
	if looksHex(raw) {
		return decodeHex(string(raw))
	}
	return raw, nil
}

func (eo *extractOptions) run(o *rootOptions, in []byte) error {
	var tr tls.Tracer
	if o.trace {
		tr = func(f tls.Field) {
			if f.Data != nil {
				fmt.Fprintf(o.stdout, "%6d %-36s len=%d\n", f.Offset, f.Name, f.Len)
				return
			}
			fmt.Fprintf(o.stdout, "%6d %-36s len=%d value=%#x\n", f.Offset, f.Name, f.Len, f.Value)
		}
	}

	var (
		sni string
		err error
	)
	switch {
	case eo.quic:
		sni, err = quic.ExtractSNI(in, nil)
	case eo.handshake:
		sni, err = tls.ExtractSNIFromHandshakeTrace(in, tr)
	default:
		sni, err = tls.ExtractSNITrace(in, tr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(o.stdout, sni)
	return nil
}
