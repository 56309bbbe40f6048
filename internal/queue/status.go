// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/openafd/afd/internal/status"
)

var (
	metricQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "afd_queue_entries",
		Help: "Entries currently in the queue buffer.",
	})
	metricWorkersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "afd_workers_started",
		Help: "Workers forked by the queue manager.",
	})
	metricWorkerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afd_worker_exits",
		Help: "Reaped workers by result.",
	}, []string{"result"})
	metricDeleteCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "afd_delete_commands",
		Help: "Commands taken off the delete FIFO.",
	}, []string{"tag"})
)

func counterValue(c prometheus.Counter) uint64 {
	var value dto.Metric
	if c.Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>afd queue manager status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}
  </style>
</head>

<body>

<h3>afd-fd</h3>

<table>
  <tr>
    <td>Work directory:</td>
    <td>{{.WorkDir}}</td>
  </tr>
  <tr>
    <td>Queued jobs:</td>
    <td>{{.Queued}}</td>
  </tr>
  <tr>
    <td>Running workers:</td>
    <td>{{.Running}} / {{.MaxConnections}}</td>
  </tr>
  <tr>
    <td>Workers started:</td>
    <td>{{.WorkersStarted}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Hosts</caption>
  <tr>
    <th>Alias</th>
    <th>Status</th>
    <th>Active / Allowed</th>
    <th>Errors</th>
    <th>Jobs Queued</th>
    <th>Files Queued</th>
    <th>Bytes Queued</th>
    <th>Done</th>
    <th>Bytes Send</th>
    <th>Rate Limit</th>
  </tr>
  {{range .Hosts}}
  <tr>
    <td>{{.Alias}}</td>
    <td>{{.Status}}</td>
    <td>{{.Active}} / {{.Allowed}}</td>
    <td>{{.Errors}}</td>
    <td>{{.JobsQueued}}</td>
    <td>{{.FilesQueued}}</td>
    <td>{{.BytesQueued}}</td>
    <td>{{.Done}}</td>
    <td>{{.BytesSend}}</td>
    <td>{{.RateLimit}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// HostStatusData is one FSA row rendered for the status page.
type HostStatusData struct {
	Alias       string
	Status      string
	Active      int32
	Allowed     int32
	Errors      int32
	JobsQueued  int32
	FilesQueued int32
	BytesQueued int64
	Done        uint32
	BytesSend   uint64
	RateLimit   int64
}

// StatusData includes queue manager status info.
type StatusData struct {
	WorkDir        string
	Queued         int
	Running        int
	MaxConnections int
	WorkersStarted uint64
	FreeMem        uint64
	TotalMem       uint64
	Hosts          []HostStatusData

	Reboot time.Time // When was the last reboot?
	Now    time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var (
	// When was the last reboot?
	reboot = time.Now()

	// Add custom functions.
	funcMap = template.FuncMap{"byteToMB": byteToMB}

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

func hostStatusString(hs uint32) string {
	switch {
	case hs&status.HostDisabled != 0:
		return "DISABLED"
	case hs&status.HostOffline != 0:
		return "OFFLINE"
	case hs&status.HostErrorOffline != 0:
		return "ERROR OFFLINE"
	case hs&status.HostError != 0:
		return "ERROR"
	case hs&status.HostAutoPauseQueue != 0:
		return "PAUSED"
	default:
		return "OK"
	}
}

// StartStatusServer serves the status page on addr. Pass an empty addr to
// run without one.
func (m *Manager) StartStatusServer(addr string) {
	if addr == "" {
		return
	}
	http.HandleFunc("/", m.statusHandler)
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("Status server on %s failed: %v", addr, err)
		}
	}()
}

// statusHandler is called when an http request is received at the status
// port. If the "Accept" header is set to be "application/json", it sends
// json encoded status; otherwise it sends html.
func (m *Manager) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		m.handleJSON(w)
	} else {
		m.handleHTML(w)
	}
}

// Generate status data.
func (m *Manager) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	hosts := make([]HostStatusData, 0, m.fsa.Count())
	for i := 0; i < m.fsa.Count(); i++ {
		row := m.fsa.Row(i)
		hosts = append(hosts, HostStatusData{
			Alias:       row.HostAlias(),
			Status:      hostStatusString(row.HostStatus()),
			Active:      row.ActiveTransfers(),
			Allowed:     row.AllowedTransfers(),
			Errors:      row.ErrorCounter(),
			JobsQueued:  row.JobsQueued(),
			FilesQueued: row.TotalFileCounter(),
			BytesQueued: row.TotalFileSize(),
			Done:        row.FileCounterDone(),
			BytesSend:   row.BytesSend(),
			RateLimit:   row.TransferRateLimit(),
		})
	}

	return StatusData{
		WorkDir:        m.cfg.WorkDir,
		Queued:         m.qb.Count(),
		Running:        len(m.running),
		MaxConnections: m.cfg.MaxConnections,
		WorkersStarted: counterValue(metricWorkersStarted),
		FreeMem:        mem.ActualFree,
		TotalMem:       mem.Total,
		Hosts:          hosts,
		Reboot:         reboot,
		Now:            time.Now(),
	}
}

func (m *Manager) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, m.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (m *Manager) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(m.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
