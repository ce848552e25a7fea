package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "scansrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:  ":8000",
		Nodes: []ObjSetup{}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			logrus.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `scansrv exposes multiplexed scanning voltmeters over HTTP.
Point it at the benches and the clients can drive channel scans from
any language with an HTTP library.

Usage:
	scansrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `scansrv is configured via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the server will close immediately and display
an error that there are no nodes.

No two nodes can have the same Endpoint.

Node types, case insensitive:
- Keysight 34980A multifunction switch/measure, "34980a", "switch"
- Keysight DAQ970A data acquisition system, "daq970a", "daq"

A node reaches its instrument over TCP (Addr as host:port, LAN SCPI
port 5025) or RS232 (Serial: true, Addr as the device path, Baud as
the line rate).  Give Candidates instead of Addr to probe a list of
addresses for the first one identifying as the node's model.

Locking any node locks the whole bench: scans hold relays closed and
an unrelated request mid-scan would corrupt the measurement.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		logrus.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		logrus.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("scansrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		logrus.Fatal(err)
	}
	registerMetrics()
	mux := BuildMux(c)
	logrus.WithField("addr", c.Addr).Info("now listening for requests")
	logrus.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
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
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		logrus.Fatal("unknown command")
	}
}
