// Command state_logger records every published instrument state to InfluxDB.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// Create client
	client := influxdb2.NewClient(getenv("INFLUX_SERVER", "http://localhost:9999"), os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(getenv("INFLUX_ORG", "spim"), getenv("INFLUX_BUCKET", "spim.state"))
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Printf("write error: %v", err)
		}
	}()
	url := getenv("SPIMD_ADDRESS", "ws://localhost:8502/api/ws")
	for {
		if err := logData(writeApi, url); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

// flattenState turns nested values into dotted field names. Booleans and
// numbers are kept; strings are kept as string fields.
func flattenState(fields map[string]interface{}, v interface{}, prefix string) {
	switch v := v.(type) {
	case map[string]interface{}:
		for k, x := range v {
			flattenState(fields, x, prefix+"."+k)
		}
	case []interface{}:
		for k, x := range v {
			flattenState(fields, x, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		fields[prefix[1:]] = v
	}
}

type stateMessage struct {
	Version uint64                 `json:"version"`
	State   map[string]interface{} `json:"state"`
	// Command results share the socket; they carry no state.
	Command string `json:"command"`
}

// point converts one message, or returns nil for messages without state.
func point(msg stateMessage) (map[string]string, map[string]interface{}) {
	if msg.State == nil {
		return nil, nil
	}
	fields := make(map[string]interface{})
	flattenState(fields, msg.State, "")
	fields["version"] = int64(msg.Version)
	tags := map[string]string{}
	if mode, ok := msg.State["state"].(string); ok {
		tags["mode"] = mode
	}
	return tags, fields
}

func logData(writeApi api.WriteApi, url string) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("connected to %s", url)
	for {
		var msg stateMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		tags, fields := point(msg)
		if fields == nil {
			continue
		}
		// write asynchronously
		writeApi.WritePoint(influxdb2.NewPoint("spim.state", tags, fields, time.Now()))
	}
}
