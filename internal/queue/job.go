package queue

import (
    "encoding/json"
    "fmt"
    "strings"
    "time"
)

// Template is one labelled region the training dataset is built from.
type Template struct {
    File   string  `json:"file"`
    Page   int     `json:"page"`
    Class  string  `json:"class"`
    X      float64 `json:"x"`
    Y      float64 `json:"y"`
    Width  float64 `json:"width"`
    Height float64 `json:"height"`
}

// TrainJob is the payload carried on the training stream.
type TrainJob struct {
    ID          string     `json:"id"`
    ProjectID   string     `json:"project_id"`
    ModelName   string     `json:"model_name"`
    ModelType   string     `json:"model_type"`
    Epochs      int        `json:"epochs,omitempty"`
    Templates   []Template `json:"templates"`
    Attempt     int        `json:"attempt"`
    MaxAttempts int        `json:"max_attempts"`
    CreatedAt   time.Time  `json:"created_at"`
}

// Validate checks the fields a worker cannot recover from.
func (j *TrainJob) Validate() error {
    var problems []string
    if j.ID == "" { problems = append(problems, "id is required") }
    if j.ProjectID == "" { problems = append(problems, "project_id is required") }
    if strings.TrimSpace(j.ModelName) == "" { problems = append(problems, "model_name is required") }
    if len(j.Templates) == 0 { problems = append(problems, "at least one template is required") }
    for i, t := range j.Templates {
        if t.File == "" || t.Page < 1 {
            problems = append(problems, fmt.Sprintf("template %d: file and page are required", i))
        }
        if t.Width <= 0 || t.Height <= 0 || t.X < 0 || t.Y < 0 || t.X+t.Width > 1 || t.Y+t.Height > 1 {
            problems = append(problems, fmt.Sprintf("template %d: region outside the page", i))
        }
    }
    if len(problems) > 0 {
        return fmt.Errorf("%s", strings.Join(problems, "; "))
    }
    return nil
}

func (j *TrainJob) Marshal() ([]byte, error) { return json.Marshal(j) }

// DecodeTrainJob parses a stream payload.
func DecodeTrainJob(payload []byte) (TrainJob, error) {
    var j TrainJob
    if err := json.Unmarshal(payload, &j); err != nil {
        return TrainJob{}, fmt.Errorf("decode train job: %w", err)
    }
    return j, nil
}
