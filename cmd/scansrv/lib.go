package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/RuLzkin/kawanolab-tools/comm"
	"github.com/RuLzkin/kawanolab-tools/keysight"
	"github.com/RuLzkin/kawanolab-tools/scanhttp"
	"github.com/RuLzkin/kawanolab-tools/server"
	"github.com/RuLzkin/kawanolab-tools/server/middleware/locker"
)

const (
	dialTimeout  = 3 * time.Second
	probeTimeout = 10 * time.Second
	defaultBaud  = 115200
)

// ObjSetup holds the arguments for one instrument node.
type ObjSetup struct {
	// Addr holds the network or filesystem address of the instrument,
	// e.g. 192.168.100.123:5025 for LAN SCPI, or /dev/ttyUSB0 for an
	// RS232 bench on a serial cable
	Addr string `yaml:"Addr"`

	// Candidates lists addresses to probe when Addr is not known ahead
	// of time; the first one identifying as the node's model is used
	Candidates []string `yaml:"Candidates"`

	// Endpoint is the URL stem the node's routes are served under
	// ex. Endpoint="/bench/sw" will produce routes of /bench/sw/measure, etc.
	Endpoint string `yaml:"Endpoint"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	// Baud sets the serial line rate when Serial is true
	Baud int `yaml:"Baud"`

	// Type is the instrument type, e.g. 34980a
	Type string `yaml:"Type"`
}

// Config is a struct that holds the initialization parameters for the
// served nodes.  It is to be populated by a yaml/unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `yaml:"Nodes"`
}

// models maps node types to the substring their *IDN? reply must
// carry.
var models = map[string]string{
	"34980a":  "34980A",
	"switch":  "34980A",
	"daq970a": "DAQ970A",
	"daq":     "DAQ970A",
}

// BuildMux constructs a chi mux with one sub-router per configured
// node, every node behind one shared bench lock.  The mux serves two
// special routes, /endpoints, which returns the route map as JSON,
// and /metrics for prometheus scrapes.
func BuildMux(c Config) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	// one lock for the whole bench: scans hold relays closed, and a
	// request to another node mid-scan would corrupt the measurement
	lock := locker.New()

	for _, node := range c.Nodes {
		typ := strings.ToLower(node.Type)
		model, ok := models[typ]
		if !ok {
			logrus.Fatal("type ", typ, " not understood")
		}
		nodeLog := logrus.WithField("node", node.Endpoint)

		addr := node.Addr
		if len(node.Candidates) > 0 {
			found, err := keysight.Discover(model, node.Candidates, probeTimeout)
			if err != nil {
				logrus.WithError(err).Fatal("probing ", node.Endpoint, " candidates")
			}
			nodeLog.WithField("addr", found).Info("probe located instrument")
			addr = found
		}

		var maker comm.CreationFunc
		if node.Serial {
			baud := node.Baud
			if baud == 0 {
				baud = defaultBaud
			}
			maker = comm.SerialConnMaker(&serial.Config{
				Name:        addr,
				Baud:        baud,
				ReadTimeout: dialTimeout,
			})
		} else {
			maker = comm.BackingOffTCPConnMaker(addr, dialTimeout)
		}

		var rt server.RouteTable
		switch model {
		case "34980A":
			sw := keysight.NewSwitch34980AFrom(maker, keysight.WithLogger(nodeLog))
			rt = scanhttp.NewAdapter(sw).RT()
		case "DAQ970A":
			daq := keysight.NewDAQ970AFrom(maker, keysight.WithLogger(nodeLog))
			rt = scanhttp.NewPolledAdapter(daq).RT()
		}

		stem := subMuxSanitize(node.Endpoint)
		if _, taken := supergraph[stem]; taken {
			logrus.Fatal("two nodes share the endpoint ", stem)
		}
		supergraph[stem] = rt.Endpoints()

		locker.Inject(rt, lock)
		r := chi.NewRouter()
		r.Use(lock.Check)
		rt.Bind(r)
		root.Mount(stem, instrumented(strings.Trim(stem, "/"), r))
	}

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	root.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	root.Handle("/metrics", promhttp.Handler())
	return root
}

// subMuxSanitize prepares a URL stem for mounting, "bench/sw" =>
// "/bench/sw".
func subMuxSanitize(stem string) string {
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	if len(stem) > 1 {
		stem = strings.TrimSuffix(stem, "/")
	}
	return stem
}
