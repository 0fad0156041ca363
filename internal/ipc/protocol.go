package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bnema/vdsurface/internal/pipeline"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message types carried in the "type" field
const (
	TypeStatus         = "status"
	TypeStatusResponse = "status_response"
	TypeDump           = "dump"
	TypeDumpResponse   = "dump_response"
	TypeError          = "error"
)

// maxMessageSize bounds a single frame on the socket
const maxMessageSize = 4 << 20

// SurfaceStatus is the wire view of one display
type SurfaceStatus struct {
	Name            string
	DisplayID       int32
	Mode            string
	Holding         bool
	Frames          uint64
	Commits         uint64
	Pulls           uint64
	ReleaseFailures uint64
	Rendered        uint64
	Consumed        uint64
	Dropped         uint64
	LastError       string
}

// NewStatusMessage creates a status query
func NewStatusMessage() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"type": TypeStatus})
}

// NewDumpMessage creates a dump query
func NewDumpMessage() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"type": TypeDump})
}

// FromStatuses converts pipeline statuses to their wire view
func FromStatuses(statuses []pipeline.Status) []SurfaceStatus {
	out := make([]SurfaceStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, SurfaceStatus{
			Name:            st.Name,
			DisplayID:       st.DisplayID,
			Mode:            string(st.Mode),
			Holding:         st.Holding,
			Frames:          st.Frames,
			Commits:         st.Commits,
			Pulls:           st.Pulls,
			ReleaseFailures: st.ReleaseFailures,
			Rendered:        st.Rendered,
			Consumed:        st.Consumed,
			Dropped:         st.Dropped,
			LastError:       st.LastError,
		})
	}
	return out
}

// NewStatusResponseMessage encodes display statuses
func NewStatusResponseMessage(statuses []SurfaceStatus) (*structpb.Struct, error) {
	displays := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		displays = append(displays, map[string]interface{}{
			"name":             st.Name,
			"display_id":       float64(st.DisplayID),
			"mode":             st.Mode,
			"holding":          st.Holding,
			"frames":           float64(st.Frames),
			"commits":          float64(st.Commits),
			"pulls":            float64(st.Pulls),
			"release_failures": float64(st.ReleaseFailures),
			"rendered":         float64(st.Rendered),
			"consumed":         float64(st.Consumed),
			"dropped":          float64(st.Dropped),
			"last_error":       st.LastError,
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"type":     TypeStatusResponse,
		"displays": displays,
	})
}

// NewDumpResponseMessage wraps dump text
func NewDumpResponseMessage(text string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"type": TypeDumpResponse,
		"text": text,
	})
}

// NewErrorMessage creates an error response
func NewErrorMessage(errMsg string) *structpb.Struct {
	msg, err := structpb.NewStruct(map[string]interface{}{
		"type":  TypeError,
		"error": errMsg,
	})
	if err != nil {
		// Only strings go in, so this cannot fail.
		panic(err)
	}
	return msg
}

// MessageType returns the type field of a message
func MessageType(msg *structpb.Struct) string {
	return msg.GetFields()["type"].GetStringValue()
}

// GetStatuses decodes a status response
func GetStatuses(msg *structpb.Struct) ([]SurfaceStatus, error) {
	if err := expectType(msg, TypeStatusResponse); err != nil {
		return nil, err
	}

	list := msg.GetFields()["displays"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("status response has no displays")
	}

	statuses := make([]SurfaceStatus, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		statuses = append(statuses, SurfaceStatus{
			Name:            f["name"].GetStringValue(),
			DisplayID:       int32(f["display_id"].GetNumberValue()),
			Mode:            f["mode"].GetStringValue(),
			Holding:         f["holding"].GetBoolValue(),
			Frames:          uint64(f["frames"].GetNumberValue()),
			Commits:         uint64(f["commits"].GetNumberValue()),
			Pulls:           uint64(f["pulls"].GetNumberValue()),
			ReleaseFailures: uint64(f["release_failures"].GetNumberValue()),
			Rendered:        uint64(f["rendered"].GetNumberValue()),
			Consumed:        uint64(f["consumed"].GetNumberValue()),
			Dropped:         uint64(f["dropped"].GetNumberValue()),
			LastError:       f["last_error"].GetStringValue(),
		})
	}
	return statuses, nil
}

// GetDumpText decodes a dump response
func GetDumpText(msg *structpb.Struct) (string, error) {
	if err := expectType(msg, TypeDumpResponse); err != nil {
		return "", err
	}
	return msg.GetFields()["text"].GetStringValue(), nil
}

func expectType(msg *structpb.Struct, want string) error {
	got := MessageType(msg)
	if got == TypeError {
		return fmt.Errorf("server error: %s", msg.GetFields()["error"].GetStringValue())
	}
	if got != want {
		return fmt.Errorf("unexpected response type: %q", got)
	}
	return nil
}

// readMessage reads a length-prefixed protobuf message
func readMessage(r io.Reader) (*structpb.Struct, error) {
	// Read message length (4 bytes, big endian)
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}

	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// writeMessage writes a length-prefixed protobuf message
func writeMessage(w io.Writer, msg *structpb.Struct) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message data: %w", err)
	}
	return nil
}
