package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/logx"
	"github.com/zhpjy/sniproxy-ng/metrics"
	"github.com/zhpjy/sniproxy-ng/sni"
)

type captureFlags struct {
	ifaces []string
	ports  []uint
}

func (c *captureFlags) register(fs *pflag.FlagSet, withIfaces bool) {
	if withIfaces {
		fs.StringSliceVarP(&c.ifaces, "interface", "i", nil, "capture interface (repeatable)")
	}
	fs.UintSliceVar(&c.ports, "ports", nil, "destination ports to inspect (default 443)")
}

func (c *captureFlags) apply(cfg *config.Config, fs *pflag.FlagSet) {
	if fs.Changed("interface") {
		cfg.Sniff.Interfaces = c.ifaces
	}
	if fs.Changed("ports") {
		cfg.Sniff.Ports = nil
		for _, p := range c.ports {
			cfg.Sniff.Ports = append(cfg.Sniff.Ports, uint16(p))
		}
	}
}

func newPcapCmd(o *rootOptions) *cobra.Command {
	var cf captureFlags
	cmd := &cobra.Command{
		Use:   "pcap FILE",
		Short: "Print the SNI of every ClientHello in a pcap or pcapng file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd.Flags(), cf.apply)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n := 0
			err = sni.NewClassifier(cfg.SniffPorts()).ReadPCAP(f, func(info sni.Info) {
				n++
				fmt.Fprintln(o.stdout, info)
			})
			logx.Debugf("pcap: %d ClientHellos in %s", n, args[0])
			return err
		},
	}
	cf.register(cmd.Flags(), false)
	return cmd
}

func newSniffCmd(o *rootOptions) *cobra.Command {
	var cf captureFlags
	cmd := &cobra.Command{
		Use:   "sniff -i IFACE",
		Short: "Print the SNI of ClientHellos seen on live interfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig(cmd.Flags(), cf.apply)
			if err != nil {
				return err
			}
			if len(cfg.Sniff.Interfaces) == 0 {
				return fmt.Errorf("no interface: use -i or sniff.interfaces")
			}
			s, err := sni.NewSniffer(cfg.Sniff.Interfaces, sni.NewClassifier(cfg.SniffPorts()))
			if err != nil {
				return err
			}
			m := metrics.Get()
			s.Observe = func(proto string, err error) {
				source := metrics.SourceTLS
				if proto == sni.ProtoQUIC {
					source = metrics.SourceQUIC
				}
				m.ObserveExtract(source, err)
			}
			stopAdmin, err := startAdmin(cmd.Context(), cfg.Server.MetricsAddr)
			if err != nil {
				s.Close()
				return err
			}
			defer stopAdmin()

			for info := range s.Run(cmd.Context()) {
				fmt.Fprintln(o.stdout, info)
			}
			return nil
		},
	}
	cf.register(cmd.Flags(), true)
	return cmd
}
