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

package mayqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stapelberg/convert2pdf"
	"golang.org/x/net/trace"
)

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	p.Notify(convert2pdf.Event{Type: convert2pdf.EventConverted})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPublish(t *testing.T) {
	p := newPublisher("")
	ev := convert2pdf.Event{
		Type:  convert2pdf.EventDelivered,
		ID:    "0b5e4c1e",
		Owner: "alice",
		Time:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	p.Notify(ev)
	close(p.publish)

	tr := trace.New("MQTT", "Test")
	defer tr.Finish()
	var got []message
	p.forward(tr, func(m message) { got = append(got, m) })
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if got, want := got[0].topic, "convert2pdf/events/delivered"; got != want {
		t.Errorf("topic = %q, want %q", got, want)
	}
	var decoded convert2pdf.Event
	if err := json.Unmarshal(got[0].payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ev, decoded); diff != "" {
		t.Errorf("unexpected payload: diff (-want +got):\n%s", diff)
	}
}

func TestNotifyDoesNotBlock(t *testing.T) {
	p := newPublisher("home/convert2pdf")
	for i := 0; i < queueLen+10; i++ {
		p.Notify(convert2pdf.Event{Type: convert2pdf.EventConverted})
	}
	if got, want := len(p.publish), queueLen; got != want {
		t.Errorf("queued %d events, want %d", got, want)
	}
}
