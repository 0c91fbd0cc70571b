// Copyright 2016 Michael Stapelberg and contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mayqtt publishes conversion events to an MQTT broker, e.g. for
// home automation dashboards. Publishing is best-effort.
package mayqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stapelberg/convert2pdf"
	"golang.org/x/net/trace"
)

// DefaultTopic is the topic prefix; events are published to
// <prefix>/<event type>.
const DefaultTopic = "convert2pdf/events"

// queueLen bounds the number of events waiting for the broker. Events are
// dropped once the queue is full.
const queueLen = 64

const closeTimeout = 2 * time.Second

type message struct {
	topic   string
	payload []byte
}

// Publisher implements convert2pdf.Notifier. A nil *Publisher discards all
// events.
type Publisher struct {
	topic   string
	publish chan message
	done    chan struct{}
}

// Dial returns a Publisher which connects to broker (e.g.
// tcp://broker.lan:1883) in the background, retrying until it succeeds.
func Dial(broker, clientID, topic string) *Publisher {
	opts := mqtt.NewClientOptions().AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetConnectRetry(true)
	opts.SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	p := newPublisher(topic)
	go func() {
		if err := p.loop(broker, client); err != nil {
			log.Print(err)
		}
	}()
	return p
}

func newPublisher(topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		topic:   topic,
		publish: make(chan message, queueLen),
		done:    make(chan struct{}),
	}
}

func (p *Publisher) loop(broker string, client mqtt.Client) error {
	defer close(p.done)
	tr := trace.New("MQTT", "Loop")
	defer tr.Finish()

	tr.LazyPrintf("Connecting to MQTT broker %s", broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		// Drain the queue so that Close does not block.
		for range p.publish {
		}
		return fmt.Errorf("MQTT connection failed: %v", token.Error())
	}
	tr.LazyPrintf("Connected to MQTT broker %s", broker)
	defer client.Disconnect(250 /* ms */)

	p.forward(tr, func(m message) {
		// discard Token, MQTT publishing is best-effort
		_ = client.Publish(m.topic, 0 /* qos */, false /* retained */, m.payload)
	})
	return nil
}

func (p *Publisher) forward(tr trace.Trace, publish func(message)) {
	for m := range p.publish {
		tr.LazyPrintf("publishing on topic %s: %s", m.topic, m.payload)
		publish(m)
	}
}

// Notify implements convert2pdf.Notifier. It never blocks.
func (p *Publisher) Notify(ev convert2pdf.Event) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(&ev)
	if err != nil {
		log.Printf("mqtt: encoding event: %v", err)
		return
	}
	select {
	case p.publish <- message{topic: p.topic + "/" + string(ev.Type), payload: payload}:
	default:
		// drop message if MQTT is not connected or too slow
	}
}

// Close stops publishing after the queued events were handed to the
// client, waiting at most closeTimeout. Notify must not be called after Close.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	close(p.publish)
	select {
	case <-p.done:
	case <-time.After(closeTimeout):
		// still connecting
	}
	return nil
}
