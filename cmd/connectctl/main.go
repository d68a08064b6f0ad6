// Command connectctl inspects a local server directory: it resolves a
// connection intent to a server (plan) and probes transport candidates
// against it (probe).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"

	"github.com/helixvpn/connect/internal/directory"
	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/selector"
	"github.com/helixvpn/connect/internal/smartprotocol"
	"github.com/helixvpn/connect/pkg/config"
)

var (
	startTime = time.Now()
)

func printUsage() {
	fmt.Println("valid commands: plan, probe")
	getopt.Usage()
	os.Exit(0)
}

func main() {
	optDB := getopt.StringLong("db", 'd', "servers.db", "Server directory database")
	optCountry := getopt.StringLong("country", 'c', "", "Exit country code")
	optVia := getopt.StringLong("via", 0, "", "Secure core entry country code")
	optRandom := getopt.BoolLong("random", 'r', "Pick a random server")
	optTier := getopt.IntLong("tier", 't', 2, "Account tier")
	optNoSmart := getopt.BoolLong("no-smart", 0, "Disable smart candidate ordering")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")

	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()
	args := getopt.Args()

	if *helpFlag || len(args) != 1 {
		printUsage()
	}

	verbosityLevel := log.InfoLevel
	switch *optVerbosity {
	case uint16(1):
		verbosityLevel = log.FatalLevel
	case uint16(2):
		verbosityLevel = log.ErrorLevel
	case uint16(3):
		verbosityLevel = log.WarnLevel
	case uint16(4):
		verbosityLevel = log.InfoLevel
	case uint16(5):
		verbosityLevel = log.DebugLevel
	default:
		verbosityLevel = log.DebugLevel
	}

	logger := &log.Logger{Level: verbosityLevel, Handler: &logHandler{Writer: os.Stderr}}

	store, err := directory.Open(*optDB)
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	defer store.Close()

	intent := intentFromFlags(*optCountry, *optVia, *optRandom)
	cfg := config.NewConfig(
		config.WithLogger(logger),
		config.WithSmartProtocol(!*optNoSmart),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sel := selector.New(store)
	server, err := sel.Select(ctx, intent, *optTier, cfg.EnabledTransports())
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	fmt.Printf("server:  %s (%s, load %d)\n", server.Name, server.ExitCountry, server.Load)
	fmt.Printf("entry:   %s\n", server.EntryIP)

	switch args[0] {
	case "plan":
		runPlan(cfg, logger, server)
	case "probe":
		runProbe(ctx, cfg, logger, server)
	default:
		printUsage()
	}
}

// intentFromFlags maps the command line flags to an intent.
func intentFromFlags(country, via string, random bool) model.ConnectionIntent {
	switch {
	case country != "" && via != "":
		return model.SecureCoreHopIntent(country, via)
	case country != "":
		return model.RegionIntent(country)
	case random:
		return model.RandomIntent()
	default:
		return model.FastestIntent()
	}
}

// runPlan prints the candidate ordering without touching the network.
func runPlan(cfg *config.Config, logger model.Logger, server *model.ServerRecord) {
	negotiator := smartprotocol.New(logger, cfg.EnabledTransports(), cfg.SmartProtocol(),
		cfg.PinnedTransport(), nil, cfg.ProbeTimeout())
	for i, candidate := range negotiator.Candidates(server, false) {
		fmt.Printf("%2d. %s\n", i+1, candidate)
	}
}

// runProbe dials the candidates in order and reports the winner.
func runProbe(ctx context.Context, cfg *config.Config, logger model.Logger, server *model.ServerRecord) {
	checkers := map[model.Transport]smartprotocol.AvailabilityChecker{}
	for _, transport := range model.AllTransports {
		checkers[transport] = &smartprotocol.DialChecker{}
	}
	negotiator := smartprotocol.New(logger, cfg.EnabledTransports(), cfg.SmartProtocol(),
		cfg.PinnedTransport(), checkers, cfg.ProbeTimeout())
	selected, err := negotiator.Negotiate(ctx, server, false)
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	fmt.Printf("winner:  %s via %s\n", selected.Candidate, selected.EntryIP)
	fmt.Printf("elapsed: %v\n", time.Since(startTime))
}

type logHandler struct {
	io.Writer
}

func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	var s string
	if e.Level == log.DebugLevel {
		s = fmt.Sprintf("%s", e.Message)
	} else if e.Level == log.ErrorLevel {
		s = fmt.Sprintf("[%14.6f] <!err> %s", time.Since(startTime).Seconds(), e.Message)
	} else {
		s = fmt.Sprintf("[%14.6f] <%s> %s", time.Since(startTime).Seconds(), e.Level, e.Message)
	}
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}
