package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	testCases := []struct {
		topic  string
		filter string
		match  bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/+/c", true},
		{"a/b/c", "a/#", true},
		{"a/b/c", "#", true},
		{"a/b/c", "+/+", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"a/x/c", "a/b/+", false},
		{"dev1/events", "+/events", true},
	}
	for _, tc := range testCases {
		t.Run(tc.topic+" "+tc.filter, func(t *testing.T) {
			require.Equal(t, tc.match, MatchTopic(tc.topic, tc.filter))
		})
	}
}

func TestClientOptionsFromURL(t *testing.T) {
	opts, prefix, err := ClientOptionsFromURL("mqtt://u:p@broker:1883/pop/?client-id=me")
	require.NoError(t, err)
	require.Equal(t, "pop/", prefix)
	require.Len(t, opts.Servers, 1)
	require.Equal(t, "tcp://broker:1883", opts.Servers[0].String())
	require.Equal(t, "u", opts.Username)
	require.Equal(t, "p", opts.Password)
	require.Equal(t, "me", opts.ClientID)

	opts, prefix, err = ClientOptionsFromURL("mqtts://broker:8883")
	require.NoError(t, err)
	require.Empty(t, prefix)
	require.Equal(t, "ssl://broker:8883", opts.Servers[0].String())
}

func TestQueueDispatch(t *testing.T) {
	q, err := NewQueueFromURL("mqtt://localhost:1883/pop/")
	require.NoError(t, err)
	var got []string
	record := func(name string) Handler {
		return func(topic string, payload []byte) {
			got = append(got, name+":"+topic+":"+string(payload))
		}
	}
	all := &Subscription{queue: q, filter: "+/events", handler: record("all")}
	one := &Subscription{queue: q, filter: "dev1/events", handler: record("one")}
	q.subs["+/events"] = []*Subscription{all}
	q.subs["dev1/events"] = []*Subscription{one}

	q.dispatchTopic("dev1/events", []byte("x"))
	q.dispatchTopic("dev2/events", []byte("y"))
	q.dispatchTopic("dev2/online", []byte("1"))
	require.ElementsMatch(t, []string{
		"all:dev1/events:x", "one:dev1/events:x", "all:dev2/events:y",
	}, got)

	// the filter stays subscribed while handlers remain.
	extra := &Subscription{queue: q, filter: "+/events", handler: record("extra")}
	q.subs["+/events"] = append(q.subs["+/events"], extra)
	require.NoError(t, extra.Close())
	require.Equal(t, []*Subscription{all}, q.subs["+/events"])
}

func TestEventsTopic(t *testing.T) {
	require.Equal(t, "abc/events", EventsTopic("abc"))
}
