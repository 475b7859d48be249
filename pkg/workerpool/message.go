package workerpool

import (
	"encoding/json"
	"fmt"

	"github.com/matzehuels/webpm/pkg/events"
)

// Type tags a [Message].
type Type string

const (
	// TypeExecute asks a worker to run an entry point.
	TypeExecute Type = "Execute"
	// TypeStart is posted by a worker when it starts a task.
	TypeStart Type = "Start"
	// TypeExit is the last message of every task.
	TypeExit Type = "Exit"
	// TypeLog carries a log line of a task.
	TypeLog Type = "Log"
	// TypeData carries arbitrary fields sent by a task.
	TypeData Type = "Data"
	// TypePostError reports a message a worker failed to send.
	TypePostError Type = "PostError"
	// TypeMainToWorker carries data sent to a running task.
	TypeMainToWorker Type = "MainToWorkerMessage"
)

// DataCdnEvent is the "type" field of Data messages forwarding a progress
// event.
const DataCdnEvent = "CdnEvent"

// Message is a message exchanged between the pool and its workers. On the
// wire it is {"type": ..., "data": {...}} with a data shape depending on
// the type; only the fields of that type are meaningful.
type Message struct {
	Type     Type
	TaskID   string
	WorkerID string

	// Execute.
	EntryPoint string
	Args       json.RawMessage

	// Exit. Failed is serialized as "error".
	Failed bool
	Result json.RawMessage

	// Log.
	Text string
	JSON json.RawMessage

	// Data: the fields sent besides taskId and workerId.
	Fields map[string]json.RawMessage

	// MainToWorkerMessage.
	Payload json.RawMessage

	// PostError.
	Error string
}

type ids struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
}

type executeData struct {
	ids
	EntryPoint string          `json:"entryPoint"`
	Args       json.RawMessage `json:"args,omitempty"`
}

type exitData struct {
	ids
	Error  bool            `json:"error"`
	Result json.RawMessage `json:"result,omitempty"`
}

type logData struct {
	ids
	LogLevel string          `json:"logLevel"`
	Text     string          `json:"text"`
	JSON     json.RawMessage `json:"json,omitempty"`
}

type mainToWorkerData struct {
	ids
	Data json.RawMessage `json:"data,omitempty"`
}

type postErrorData struct {
	ids
	Error string `json:"error"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	head := ids{TaskID: m.TaskID, WorkerID: m.WorkerID}
	var data any
	switch m.Type {
	case TypeExecute:
		data = executeData{ids: head, EntryPoint: m.EntryPoint, Args: m.Args}
	case TypeStart:
		data = head
	case TypeExit:
		data = exitData{ids: head, Error: m.Failed, Result: m.Result}
	case TypeLog:
		data = logData{ids: head, LogLevel: "info", Text: m.Text, JSON: m.JSON}
	case TypeData:
		fields := make(map[string]json.RawMessage, len(m.Fields)+2)
		for k, v := range m.Fields {
			fields[k] = v
		}
		fields["taskId"], _ = json.Marshal(m.TaskID)
		fields["workerId"], _ = json.Marshal(m.WorkerID)
		data = fields
	case TypeMainToWorker:
		data = mainToWorkerData{ids: head, Data: m.Payload}
	case TypePostError:
		data = postErrorData{ids: head, Error: m.Error}
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return json.Marshal(struct {
		Type Type `json:"type"`
		Data any  `json:"data"`
	}{m.Type, data})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type Type            `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Message{Type: raw.Type}

	var head ids
	var err error
	switch raw.Type {
	case TypeExecute:
		var d executeData
		err = json.Unmarshal(raw.Data, &d)
		head, m.EntryPoint, m.Args = d.ids, d.EntryPoint, d.Args
	case TypeStart:
		err = json.Unmarshal(raw.Data, &head)
	case TypeExit:
		var d exitData
		err = json.Unmarshal(raw.Data, &d)
		head, m.Failed, m.Result = d.ids, d.Error, d.Result
	case TypeLog:
		var d logData
		err = json.Unmarshal(raw.Data, &d)
		head, m.Text, m.JSON = d.ids, d.Text, d.JSON
	case TypeData:
		var fields map[string]json.RawMessage
		if err = json.Unmarshal(raw.Data, &fields); err == nil {
			err = json.Unmarshal(raw.Data, &head)
			delete(fields, "taskId")
			delete(fields, "workerId")
			m.Fields = fields
		}
	case TypeMainToWorker:
		var d mainToWorkerData
		err = json.Unmarshal(raw.Data, &d)
		head, m.Payload = d.ids, d.Data
	case TypePostError:
		var d postErrorData
		err = json.Unmarshal(raw.Data, &d)
		head, m.Error = d.ids, d.Error
	default:
		return fmt.Errorf("unknown message type %q", raw.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s message: %w", raw.Type, err)
	}
	m.TaskID, m.WorkerID = head.TaskID, head.WorkerID
	return nil
}

// DataType returns the "type" field of a Data message, if any.
func (m Message) DataType() string {
	var t string
	if raw, ok := m.Fields["type"]; ok {
		_ = json.Unmarshal(raw, &t)
	}
	return t
}

// CdnEvent returns the progress event forwarded by a Data message.
func (m Message) CdnEvent() (events.Event, bool) {
	if m.Type != TypeData || m.DataType() != DataCdnEvent {
		return events.Event{}, false
	}
	var e events.Event
	if err := json.Unmarshal(m.Fields["event"], &e); err != nil {
		return events.Event{}, false
	}
	return e, true
}

// DecodeResult decodes the result of an Exit message into v.
func (m Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// IsTerminal reports whether m is an Exit message.
func (m Message) IsTerminal() bool { return m.Type == TypeExit }

func exitMessage(taskID, workerID string, failed bool, result any) Message {
	raw, err := json.Marshal(result)
	if err != nil {
		raw, _ = json.Marshal(err.Error())
		failed = true
	}
	return Message{Type: TypeExit, TaskID: taskID, WorkerID: workerID, Failed: failed, Result: raw}
}
