package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_SequencesAndReplays(t *testing.T) {
	o := NewOutbox()

	require.NoError(t, o.Window(TargetParent).PostMessage([]byte(`{"step":"SETUP"}`), "https://pos.example.com"))
	o.Clear()
	o.Show("Tap or Insert Card")
	o.Alert("Strange response from host.")

	all, _, closed := o.Since(0)
	require.Len(t, all, 4)
	assert.False(t, closed)
	for i, env := range all {
		assert.Equal(t, i, env.Seq)
	}
	assert.Equal(t, EnvelopeMessage, all[0].Type)
	assert.Equal(t, TargetParent, all[0].Target)
	assert.JSONEq(t, `{"step":"SETUP"}`, string(all[0].Data))
	assert.Equal(t, Envelope{Seq: 1, Type: EnvelopeStatus}, all[1])
	assert.Equal(t, "Tap or Insert Card", all[2].Text)
	assert.Equal(t, EnvelopeAlert, all[3].Type)

	tail, _, _ := o.Since(3)
	assert.Len(t, tail, 1)

	none, _, _ := o.Since(10)
	assert.Empty(t, none)

	neg, _, _ := o.Since(-1)
	assert.Len(t, neg, 4)
}

func TestOutbox_NotifiesOnAppend(t *testing.T) {
	o := NewOutbox()
	_, notify, _ := o.Since(0)

	select {
	case <-notify:
		t.Fatal("notified before append")
	default:
	}

	o.Show("hello")

	select {
	case <-notify:
	default:
		t.Fatal("append did not notify")
	}
}

func TestOutbox_Close(t *testing.T) {
	o := NewOutbox()
	o.Show("before")
	_, notify, _ := o.Since(0)

	o.Close()
	o.Close()

	select {
	case <-notify:
	default:
		t.Fatal("close did not notify")
	}

	o.Show("after")
	err := o.Window(TargetOpener).PostMessage([]byte(`{}`), "https://pos.example.com")
	assert.ErrorIs(t, err, errOutboxClosed)

	envelopes, _, closed := o.Since(0)
	assert.True(t, closed)
	assert.Len(t, envelopes, 1)
}

func TestWindow_CopiesData(t *testing.T) {
	o := NewOutbox()
	data := []byte(`{"step":"DATA"}`)

	require.NoError(t, o.Window(TargetParent).PostMessage(data, "https://pos.example.com"))
	data[2] = 'X'

	envelopes, _, _ := o.Since(0)
	assert.JSONEq(t, `{"step":"DATA"}`, string(envelopes[0].Data))
}
