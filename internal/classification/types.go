package classification

// Prediction is one labelled line of engine output. Confidence is a
// percentage in [0,100] and is nil when the line carried none.
type Prediction struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// Result is the ordered prediction list for one image, in the order the
// engine emitted it. An empty list is a valid, successful result.
type Result struct {
	Predictions []Prediction `json:"predictions"`
}

