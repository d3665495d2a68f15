package main

import (
	"flag"
	"io"
	"log"
	"os"
	"strings"

	"github.com/robotalks/pop.go/pkg/events"
	"github.com/robotalks/pop.go/pkg/events/mqtt"
	"github.com/robotalks/pop.go/pkg/events/stream"
)

var (
	mqttURL  = "mqtt://localhost:1883/pop/"
	filePath string
	filter   = "+" + mqtt.EventsTopicSuffix
)

func init() {
	if val := os.Getenv("POP_EVENTS_URL"); strings.HasPrefix(val, "mqtt") {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&filePath, "file", filePath, "Read an event stream file instead, - for stdin.")
	flag.StringVar(&filter, "topic", filter, "Topic filter under the broker prefix.")
}

func printPacket(source string, pkt []byte) {
	ev, err := events.Decode(pkt)
	if err != nil {
		log.Printf("%s: bad event: %v", source, err)
		return
	}
	if ev.Source != "" {
		source = ev.Source
	}
	log.Printf("%s: %s", source, ev)
}

func readStream(r io.Reader) error {
	reader := stream.NewReader(r)
	for {
		pkt, err := reader.ReadPacket()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		printPacket("stream", pkt)
	}
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	if filePath != "" {
		var r io.Reader = os.Stdin
		if filePath != "-" {
			f, err := os.Open(filePath)
			if err != nil {
				log.Fatalln(err)
			}
			defer f.Close()
			r = f
		}
		if err := readStream(r); err != nil {
			log.Fatalln(err)
		}
		return
	}

	q, err := mqtt.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}
	q.Sub(filter, mqtt.Handler(func(topic string, payload []byte) {
		printPacket(strings.TrimSuffix(topic, mqtt.EventsTopicSuffix), payload)
	}))
	q.Sub("+"+mqtt.OnlineTopicSuffix, mqtt.Handler(func(topic string, payload []byte) {
		state := "offline"
		if string(payload) == "1" {
			state = "online"
		}
		log.Printf("%s: %s", strings.TrimSuffix(topic, mqtt.OnlineTopicSuffix), state)
	}))
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}
	<-(chan struct{})(nil)
}
