package helper

import "encoding/json"

// ReportShare is the per-report payload the leader sends the helper on the
// init round: enough for the helper to run its own leader_initialized-
// equivalent step without ever seeing the leader's input share (spec.md §6).
type ReportShare struct {
	ReportID                  string `json:"report_id"`
	PublicShare               []byte `json:"public_share"`
	HelperEncryptedInputShare []byte `json:"helper_encrypted_input_share"`
}

// PrepareInit is one outgoing entry of an AggregationJobInitReq: a report
// share plus the leader's first-round VDAF message (spec.md §4.6 step 3).
type PrepareInit struct {
	ReportShare ReportShare `json:"report_share"`
	Message     []byte      `json:"message"`
}

// PrepareContinue is one outgoing entry of an AggregationJobContinueReq: a
// report id plus the leader's next-round VDAF message (spec.md §4.6 step 4).
type PrepareContinue struct {
	ReportID string `json:"report_id"`
	Message  []byte `json:"message"`
}

// AggregationJobInitReq is the body of the init-round PUT (spec.md §6).
type AggregationJobInitReq struct {
	AggregationParam     []byte        `json:"aggregation_param"`
	PartialBatchSelector string        `json:"partial_batch_selector"`
	PrepareInits         []PrepareInit `json:"prepare_inits"`
}

// AggregationJobContinueReq is the body of the continue-round POST
// (spec.md §6).
type AggregationJobContinueReq struct {
	Step             int               `json:"step"`
	PrepareContinues []PrepareContinue `json:"prepare_continues"`
}

// PrepareStepKind discriminates the three shapes a PrepareResp entry can
// take (spec.md §4.6 step 6).
type PrepareStepKind string

const (
	PrepareStepContinue PrepareStepKind = "continue"
	PrepareStepFinished PrepareStepKind = "finished"
	PrepareStepReject   PrepareStepKind = "reject"
)

// PrepareResp is one entry of an AggregationJobResp, matched back to its
// PrepareInit/PrepareContinue by ReportID and ordinal position (spec.md §4.6
// step 6: "exactly one PrepareResp per outgoing entry, in the same order,
// with matching report_id").
type PrepareResp struct {
	ReportID string          `json:"report_id"`
	Kind     PrepareStepKind `json:"kind"`

	// Message is populated when Kind == PrepareStepContinue.
	Message []byte `json:"message,omitempty"`

	// PrepareError is populated when Kind == PrepareStepReject, using the
	// same PrepareErrorKind vocabulary as the leader's own taxonomy
	// (spec.md §7).
	PrepareError string `json:"prepare_error,omitempty"`
}

// AggregationJobResp is the response body for both the init and continue
// rounds (spec.md §6).
type AggregationJobResp struct {
	PrepareResps []PrepareResp `json:"prepare_resps"`
}

// MarshalInitReq and the other Marshal* helpers exist so callers never hand-
// roll json.Marshal at the call site; kept here next to the wire shapes they
// encode.
func MarshalInitReq(req *AggregationJobInitReq) ([]byte, error) { return json.Marshal(req) }

func MarshalContinueReq(req *AggregationJobContinueReq) ([]byte, error) { return json.Marshal(req) }

func UnmarshalResp(data []byte) (*AggregationJobResp, error) {
	var resp AggregationJobResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
