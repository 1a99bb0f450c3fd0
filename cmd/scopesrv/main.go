package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/scopesrv/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "scopesrv.yml"
	k              = koanf.New(".")
	log            = logrus.StandardLogger()
)

// setupconfig loads the defaults, then the file over them
func setupconfig(k *koanf.Koanf, fn string) error {
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(fn), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return err
		}
	}
	return nil
}

func loadconfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `scopesrv exposes remote oscilloscopes through an HTTP interface.
Each scope is a device with attributes (time base, channels, trigger,
waveforms) and commands (connect, run, stop, disconnect).

Usage:
	scopesrv <command>

Commands:
	run
	help
	mkconf
	conf
	check
	version`
	fmt.Println(str)
}

func help() {
	str := `scopesrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the server serves only /endpoints and /metrics.

No two nodes can have the same Endpoint.  Endpoints may look like any variation
of "lab/scope" or "/lab/scope/", the leading slash is added by the server
if missing.

Addr is host[:port] for a scope on the LAN, port 5025 if omitted, or a
serial device such as /dev/ttyUSB0 or COM3.

Times (Timeout, AcquisitionTimeout, PollInterval, StaleAfter, Refresh) are in
seconds.  Refresh re-reads the settings of idle scopes periodically, 0 disables it.

Mock: true replaces every scope with an in-memory instrument.

Hardware and matching "type" fields, case insensitive:
- Rohde & Schwarz
	> RTM series "rtm", "rohde-rtm"
	> RTO series "rto", "rohde-rto"

Example:
Addr: :8000
LogLevel: info
Nodes:
  - Type: rto
    Addr: 192.168.100.50
    Endpoint: /lab/scope`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func check() {
	c, err := LoadYaml(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err = c.Validate(); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s is valid, %d node(s)\n", ConfigFileName, len(c.Nodes))
}

func pversion() {
	fmt.Printf("scopesrv version %v\n", Version)
}

func run() {
	c := loadconfig()
	if err := c.Setup(log); err != nil {
		log.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	reg, metrics, err := NewRegistry()
	if err != nil {
		log.Fatal(err)
	}
	ctls, err := BuildControllers(c, log, metrics)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	for i, ctl := range ctls {
		go refresher(ctx, ctl, util.SecsToDuration(c.Nodes[i].Refresh), log)
	}

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(c, ctls, reg)}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	log.WithField("addr", c.Addr).Info("now listening for requests")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	for _, ctl := range ctls {
		ctl.Disconnect()
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	if err := setupconfig(k, ConfigFileName); err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "check":
		check()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
