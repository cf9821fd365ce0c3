// Package stratum implements the client side of the Stratum V1 mining protocol.
// It provides the handshake state machine, request correlation, job caching
// and the line-oriented transport the session runs over.
package stratum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Stratum method names
const (
	MethodSubscribe         = "mining.subscribe"
	MethodAuthorize         = "mining.authorize"
	MethodConfigure         = "mining.configure"
	MethodSuggestDifficulty = "mining.suggest_difficulty"
	MethodSubmit            = "mining.submit"
	MethodNotify            = "mining.notify"
	MethodSetDifficulty     = "mining.set_difficulty"
	MethodSetVersionMask    = "mining.set_version_mask"
	MethodSetExtranonce     = "mining.set_extranonce"
)

// FullVersionMask is requested from, and assumed of, pools that say nothing
const FullVersionMask uint32 = 0xffffffff

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Request represents an outgoing Stratum JSON-RPC request
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Error represents a Stratum error response. Pools send it either as an
// object or as the older [code, message, traceback] array.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both the object and the array form
func (e *Error) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var parts []json.RawMessage
		if err := unmarshalJSON(data, &parts); err != nil {
			return err
		}
		if len(parts) > 0 {
			var code float64
			if err := unmarshalJSON(parts[0], &code); err != nil {
				return fmt.Errorf("error code: %w", err)
			}
			e.Code = int(code)
		}
		if len(parts) > 1 {
			_ = unmarshalJSON(parts[1], &e.Message)
		}
		if len(parts) > 2 && !isNull(parts[2]) {
			var extra any
			_ = unmarshalJSON(parts[2], &extra)
			e.Data = extra
		}
		return nil
	}

	type plain Error
	var p plain
	if err := unmarshalJSON(data, &p); err != nil {
		return err
	}
	*e = Error(p)
	return nil
}

// Kind classifies an incoming line
type Kind int

const (
	// KindParseError - empty line or malformed JSON
	KindParseError Kind = iota
	KindNotify
	KindSetDifficulty
	KindSetVersionMask
	KindSetExtranonce
	// KindSuccess - response without an error
	KindSuccess
	// KindError - response carrying an error
	KindError
	// KindUnknown - a method this client does not handle
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "parse_error"
	case KindNotify:
		return "notify"
	case KindSetDifficulty:
		return "set_difficulty"
	case KindSetVersionMask:
		return "set_version_mask"
	case KindSetExtranonce:
		return "set_extranonce"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// NoID marks messages without a usable numeric id
const NoID int64 = -1

// Message is the classified form of one incoming line. Only the envelope is
// decoded during classification; the per-kind accessors decode Raw on demand.
type Message struct {
	ID     int64
	Kind   Kind
	Method string
	Raw    string
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Classify decodes just enough of line to tell what it is
func Classify(line string) Message {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{ID: NoID, Kind: KindParseError}
	}

	var env envelope
	if err := unmarshalJSON([]byte(line), &env); err != nil {
		return Message{ID: NoID, Kind: KindParseError, Raw: line}
	}

	msg := Message{ID: parseID(env.ID), Raw: line}

	if env.Method != nil {
		msg.Method = *env.Method
		switch msg.Method {
		case MethodNotify:
			msg.Kind = KindNotify
		case MethodSetDifficulty:
			msg.Kind = KindSetDifficulty
		case MethodSetVersionMask:
			msg.Kind = KindSetVersionMask
		case MethodSetExtranonce:
			msg.Kind = KindSetExtranonce
		default:
			msg.Kind = KindUnknown
		}
		return msg
	}

	if isNull(env.Error) {
		msg.Kind = KindSuccess
	} else {
		msg.Kind = KindError
	}
	return msg
}

func parseID(raw json.RawMessage) int64 {
	if isNull(raw) {
		return NoID
	}
	s := string(bytes.TrimSpace(raw))
	// some pools quote numeric ids
	s = strings.Trim(s, `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return NoID
	}
	return id
}

func (m Message) decode() (*envelope, error) {
	var env envelope
	if err := unmarshalJSON([]byte(m.Raw), &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Kind, err)
	}
	return &env, nil
}

func (m Message) params() ([]json.RawMessage, error) {
	env, err := m.decode()
	if err != nil {
		return nil, err
	}
	var params []json.RawMessage
	if isNull(env.Params) {
		return nil, fmt.Errorf("%s: missing params", m.Kind)
	}
	if err := unmarshalJSON(env.Params, &params); err != nil {
		return nil, fmt.Errorf("%s: params: %w", m.Kind, err)
	}
	return params, nil
}

// Notify decodes a mining.notify into a Job
func (m Message) Notify() (*Job, error) {
	params, err := m.params()
	if err != nil {
		return nil, err
	}
	if len(params) < 9 {
		return nil, fmt.Errorf("notify: expected 9 params, got %d", len(params))
	}

	job := &Job{}
	strs := []*string{&job.ID, &job.PrevHash, &job.Coinb1, &job.Coinb2}
	for i, dst := range strs {
		if err := unmarshalJSON(params[i], dst); err != nil {
			return nil, fmt.Errorf("notify: param %d: %w", i, err)
		}
	}
	if err := unmarshalJSON(params[4], &job.MerkleBranch); err != nil {
		return nil, fmt.Errorf("notify: merkle branch: %w", err)
	}
	strs = []*string{&job.Version, &job.NBits, &job.NTime}
	for i, dst := range strs {
		if err := unmarshalJSON(params[5+i], dst); err != nil {
			return nil, fmt.Errorf("notify: param %d: %w", 5+i, err)
		}
	}
	if err := unmarshalJSON(params[8], &job.CleanJobs); err != nil {
		return nil, fmt.Errorf("notify: clean_jobs: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("notify: empty job id")
	}
	return job, nil
}

// Difficulty decodes mining.set_difficulty
func (m Message) Difficulty() (float64, error) {
	params, err := m.params()
	if err != nil {
		return 0, err
	}
	if len(params) == 0 {
		return 0, fmt.Errorf("set_difficulty: no params")
	}
	var diff float64
	if err := unmarshalJSON(params[0], &diff); err != nil {
		return 0, fmt.Errorf("set_difficulty: %w", err)
	}
	if diff <= 0 {
		return 0, fmt.Errorf("set_difficulty: non-positive difficulty %v", diff)
	}
	return diff, nil
}

// VersionMask decodes mining.set_version_mask. ok is false when the pool
// sent no mask, in which case the full mask applies.
func (m Message) VersionMask() (mask uint32, ok bool, err error) {
	params, err := m.params()
	if err != nil {
		return FullVersionMask, false, err
	}
	if len(params) == 0 {
		return FullVersionMask, false, nil
	}
	var hex string
	if err := unmarshalJSON(params[0], &hex); err != nil {
		return FullVersionMask, false, fmt.Errorf("set_version_mask: %w", err)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return FullVersionMask, false, fmt.Errorf("set_version_mask: %w", err)
	}
	return uint32(v), true, nil
}

// Extranonce decodes mining.set_extranonce
func (m Message) Extranonce() (string, int, error) {
	params, err := m.params()
	if err != nil {
		return "", 0, err
	}
	if len(params) < 2 {
		return "", 0, fmt.Errorf("set_extranonce: expected 2 params, got %d", len(params))
	}
	var en1 string
	var size int
	if err := unmarshalJSON(params[0], &en1); err != nil {
		return "", 0, fmt.Errorf("set_extranonce: extranonce1: %w", err)
	}
	if err := unmarshalJSON(params[1], &size); err != nil {
		return "", 0, fmt.Errorf("set_extranonce: extranonce2 size: %w", err)
	}
	return en1, size, nil
}

// SubscribeResult decodes result[1] (extranonce1) and result[2]
// (extranonce2 width) of a subscribe response
func (m Message) SubscribeResult() (string, int, error) {
	env, err := m.decode()
	if err != nil {
		return "", 0, err
	}
	var result []json.RawMessage
	if err := unmarshalJSON(env.Result, &result); err != nil {
		return "", 0, fmt.Errorf("subscribe result: %w", err)
	}
	if len(result) < 3 {
		return "", 0, fmt.Errorf("subscribe result: expected 3 elements, got %d", len(result))
	}
	var en1 string
	var size int
	if err := unmarshalJSON(result[1], &en1); err != nil {
		return "", 0, fmt.Errorf("subscribe result: extranonce1: %w", err)
	}
	if err := unmarshalJSON(result[2], &size); err != nil {
		return "", 0, fmt.Errorf("subscribe result: extranonce2 size: %w", err)
	}
	return en1, size, nil
}

// ResultTrue reports whether the response result is literally true
func (m Message) ResultTrue() bool {
	env, err := m.decode()
	if err != nil {
		return false
	}
	var ok bool
	if err := unmarshalJSON(env.Result, &ok); err != nil {
		return false
	}
	return ok
}

// ConfigureResult decodes a mining.configure response. The mask is
// FullVersionMask unless the pool both grants version-rolling and names a mask.
func (m Message) ConfigureResult() (mask uint32, granted bool, err error) {
	env, err := m.decode()
	if err != nil {
		return FullVersionMask, false, err
	}
	var result map[string]json.RawMessage
	if err := unmarshalJSON(env.Result, &result); err != nil {
		return FullVersionMask, false, fmt.Errorf("configure result: %w", err)
	}

	var rolling bool
	if raw, ok := result["version-rolling"]; ok {
		_ = unmarshalJSON(raw, &rolling)
	}
	if !rolling {
		return FullVersionMask, false, nil
	}

	raw, ok := result["version-rolling.mask"]
	if !ok {
		return FullVersionMask, true, nil
	}
	var hex string
	if err := unmarshalJSON(raw, &hex); err != nil {
		return FullVersionMask, true, fmt.Errorf("configure result: mask: %w", err)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return FullVersionMask, true, fmt.Errorf("configure result: mask: %w", err)
	}
	return uint32(v), true, nil
}

// ResponseError returns the decoded error of a KindError message
func (m Message) ResponseError() *Error {
	env, err := m.decode()
	if err != nil || isNull(env.Error) {
		return &Error{Code: ErrorOther, Message: "unparseable error response"}
	}
	var perr Error
	if err := unmarshalJSON(env.Error, &perr); err != nil {
		return &Error{Code: ErrorOther, Message: strings.TrimSpace(string(env.Error))}
	}
	return &perr
}

// encodeRequest renders a request as one wire line
func encodeRequest(id int64, method string, params []any) (string, error) {
	data, err := marshalJSON(&Request{ID: id, Method: method, Params: params})
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", method, err)
	}
	sb := GetStringBuilder()
	defer PutStringBuilder(sb)
	sb.Grow(len(data) + 1)
	sb.Write(data)
	sb.WriteByte('\n')
	return sb.String(), nil
}

func subscribeParams(agent string) []any {
	return []any{agent}
}

func authorizeParams(user, password string) []any {
	return []any{user, password}
}

func configureParams() []any {
	return []any{
		[]string{"version-rolling"},
		map[string]string{"version-rolling.mask": fmt.Sprintf("%08x", FullVersionMask)},
	}
}

func suggestDifficultyParams(diff float64) []any {
	return []any{json.Number(strconv.FormatFloat(diff, 'f', 4, 64))}
}

func submitParams(user, jobID, extranonce2 string, ntime, nonce, version uint32) []any {
	return []any{
		user,
		jobID,
		extranonce2,
		fmt.Sprintf("%08x", ntime),
		fmt.Sprintf("%08x", nonce),
		fmt.Sprintf("%08x", version),
	}
}
