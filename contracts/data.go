package contracts

// InputData is the request body accepted by /prediction/short and /prediction/long
type InputData struct {
	Img64 string `json:"img64"`
}

// OutputData is the decoded worker result returned to callers
type OutputData struct {
	ResultClass string `json:"result_class"`
}
