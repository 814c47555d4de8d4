package hierarchy

import "fmt"

// Level identifies the depth of an entity below the data root.
type Level int

const (
	LevelRoot Level = iota
	LevelProject
	LevelSubject
	LevelStudy
	LevelSeries
)

// MaxDepth is the deepest level the resolver walks.
const MaxDepth = int(LevelSeries)

var levelNames = [...]string{"root", "project", "subject", "study", "series"}

func (l Level) String() string {
	if l < LevelRoot || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a level name to its Level.
func ParseLevel(name string) (Level, bool) {
	for i, n := range levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return LevelRoot, false
}

// Project is a top-level directory under the data root.
type Project struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Subjects  []Subject  `json:"subjects"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Subject is a directory within a project.
type Subject struct {
	ID        string            `json:"id"`
	Path      string            `json:"path"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Studies   []Study           `json:"studies"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
}

// Study is a directory within a subject. Date and modalities come from the
// headers of its series, then the study.json sidecar, then the directory name.
type Study struct {
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Date       string     `json:"date,omitempty"`
	Time       string     `json:"time,omitempty"`
	Modalities []string   `json:"modalities,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Series     []Series   `json:"series"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
}

// Series is a directory holding DICOM instances or a series.json marker.
// Header-derived fields are sampled from the first few instances only.
type Series struct {
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Number      int               `json:"number,omitempty"`
	Description string            `json:"description,omitempty"`
	UID         string            `json:"uid,omitempty"`
	Modality    string            `json:"modality,omitempty"`
	ImageCount  int               `json:"image_count"`
	Acquisition map[string]string `json:"acquisition,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	Artifacts   []Artifact        `json:"artifacts,omitempty"`
}

// Listing is the result of List. Exactly one of the entity fields is set,
// matching Level.
type Listing struct {
	Level    string    `json:"level"`
	Path     string    `json:"path"`
	Projects []Project `json:"projects,omitempty"`
	Project  *Project  `json:"project,omitempty"`
	Subject  *Subject  `json:"subject,omitempty"`
	Study    *Study    `json:"study,omitempty"`
	Series   *Series   `json:"series,omitempty"`
}
