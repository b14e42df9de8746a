package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protocol"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

// progressScale is the bar's total; Progress is always a 0..1 fraction
// regardless of whether the underlying target is a duration or a byte
// count, so the bar works on a fixed scale rather than raw bytes.
const progressScale = 1000

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run a bandwidth test against an iperf3 server",
	RunE:  runClient,
}

func init() {
	f := clientCmd.Flags()
	f.StringP("host", "H", "", "server host to connect to (required)")
	f.IntP("port", "p", 5201, "server port")
	f.BoolP("udp", "u", false, "use UDP rather than TCP")
	f.DurationP("time", "t", 10*time.Second, "test duration")
	f.Int64P("bytes", "n", 0, "bytes to transfer, overrides --time")
	f.IntP("parallel", "P", 1, "number of parallel streams")
	f.BoolP("reverse", "R", false, "run in reverse mode (server sends)")
	f.Bool("bidir", false, "test in both directions simultaneously")
	f.Int64P("bandwidth", "b", 0, "target bandwidth in bits/sec, 0 for unlimited")
	f.IntP("window", "w", 0, "socket buffer/window size")
	f.IntP("set-mss", "M", 0, "TCP maximum segment size")
	f.BoolP("no-delay", "N", false, "disable Nagle's algorithm")
	f.DurationP("interval", "i", time.Second, "reporting interval")
	f.IntP("len", "l", 131072, "buffer length to read/write")

	rootCmd.AddCommand(clientCmd)
}

// clientConfigFromViper binds the client subcommand's flags into viper
// (so an IPERF3GO_* env var or an $HOME/.iperf3go.yaml entry can supply
// a value the user didn't pass on the command line) and decodes the
// resolved values into a TestConfiguration, per SPEC_FULL.md §1.3.
func clientConfigFromViper(cmd *cobra.Command) (protomsg.TestConfiguration, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return protomsg.TestConfiguration{}, fmt.Errorf("binding client flags: %w", err)
	}

	host := viper.GetString("host")
	if host == "" {
		return protomsg.TestConfiguration{}, fmt.Errorf("server host is required: pass --host, set host in the config file, or set IPERF3GO_HOST")
	}

	proto := protomsg.ProtocolTCP
	if viper.GetBool("udp") {
		proto = protomsg.ProtocolUDP
	}

	return protomsg.TestConfiguration{
		ServerHost:        host,
		ServerPort:        viper.GetInt("port"),
		Protocol:          proto,
		Duration:          viper.GetDuration("time"),
		BytesToTransfer:   viper.GetInt64("bytes"),
		NumStreams:        viper.GetInt("parallel"),
		BandwidthLimit:    viper.GetInt64("bandwidth"),
		Reverse:           viper.GetBool("reverse"),
		Bidirectional:     viper.GetBool("bidir"),
		ReportingInterval: viper.GetDuration("interval"),
		BufferLength:      viper.GetInt("len"),
		WindowSize:        viper.GetInt("window"),
		MSS:               viper.GetInt("set-mss"),
		NoDelay:           viper.GetBool("no-delay"),
		Timeout:           30 * time.Second,
	}, nil
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := clientConfigFromViper(cmd)
	if err != nil {
		return err
	}

	stream, handle, err := protocol.NewEngine().RunClientTest(cfg)
	if err != nil {
		return fmt.Errorf("starting client test: %w", err)
	}
	defer handle.Cancel()

	progressBar := mpb.New(mpb.WithWidth(60))
	var bar *mpb.Bar

	for ev := range stream.Events() {
		switch ev.Kind {
		case progress.Connecting:
			fmt.Printf("connecting to %s port %d\n", ev.Host, ev.Port)
		case progress.Connected:
			fmt.Printf("connected, cookie=%s\n", ev.Cookie)
		case progress.Started:
			bar = progressBar.AddBar(progressScale,
				mpb.PrependDecorators(decor.Name("transfer")),
				mpb.AppendDecorators(decor.Percentage()),
			)
		case progress.Interval:
			printInterval(ev.Sample)
			if bar != nil {
				bar.SetCurrent(int64(ev.Progress * progressScale))
			}
		case progress.Complete:
			printSummary(ev.Result)
		case progress.Error:
			color.New(color.FgRed).Printf("error: %s\n", ev.Message)
			return fmt.Errorf("client test failed: %s", ev.Message)
		case progress.Cancelled:
			color.New(color.FgYellow).Println("test cancelled")
		}
	}

	progressBar.Wait()
	return nil
}

func printInterval(s protomsg.IntervalResult) {
	fmt.Printf("[%2d] %6.2f-%6.2f sec  %8.2f Mbits/sec\n",
		s.StreamID, s.StartTime, s.EndTime, s.BitsPerSecond/1e6)
}

func printSummary(res *protomsg.TestResult) {
	if res == nil {
		return
	}
	c := color.New(color.FgGreen, color.Bold)
	c.Printf("- - - - - - - - - - - - - - - - - - - - - - - - -\n")
	c.Printf("Transferred %d bytes in %s, avg %.2f Mbits/sec\n",
		res.TotalBytes, res.Duration, res.AvgBandwidth/1e6)
}
