// Package syllabus loads the course structure (units, topics, course outcomes)
// that generation requests are validated against.
package syllabus

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/bloomgen/internal/model"
)

// Syllabus is an immutable, indexed view of a loaded syllabus file.
type Syllabus struct {
	raw      model.Syllabus
	units    map[string]model.SyllabusUnit
	outcomes map[string]model.CourseOutcome
}

// Load reads a syllabus from a YAML or JSON file.
func Load(path string) (*Syllabus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read syllabus %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse syllabus %s: %w", path, err)
	}
	slog.Info("syllabus loaded", "path", path, "course", s.raw.Course.CourseCode,
		"units", len(s.units), "outcomes", len(s.outcomes))
	return s, nil
}

// Parse decodes syllabus bytes. JSON input is accepted since it is valid YAML.
func Parse(data []byte) (*Syllabus, error) {
	var raw model.Syllabus
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode syllabus: %w", err)
	}
	return New(raw)
}

// New indexes an in-memory syllabus. Unit and outcome ids must be unique and non-empty.
func New(raw model.Syllabus) (*Syllabus, error) {
	s := &Syllabus{
		raw:      raw,
		units:    make(map[string]model.SyllabusUnit, len(raw.Units)),
		outcomes: make(map[string]model.CourseOutcome, len(raw.Outcomes)),
	}
	for _, u := range raw.Units {
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" {
			return nil, fmt.Errorf("unit with empty unit_id")
		}
		if _, dup := s.units[u.ID]; dup {
			return nil, fmt.Errorf("duplicate unit_id %q", u.ID)
		}
		s.units[u.ID] = u
	}
	for _, co := range raw.Outcomes {
		co.ID = strings.TrimSpace(co.ID)
		if co.ID == "" {
			return nil, fmt.Errorf("course outcome with empty co_id")
		}
		if _, dup := s.outcomes[co.ID]; dup {
			return nil, fmt.Errorf("duplicate co_id %q", co.ID)
		}
		s.outcomes[co.ID] = co
	}
	if len(s.units) == 0 {
		return nil, fmt.Errorf("syllabus has no units")
	}
	return s, nil
}

// Course returns the course metadata.
func (s *Syllabus) Course() model.CourseInfo {
	return s.raw.Course
}

// Raw returns the syllabus as loaded, in file order.
func (s *Syllabus) Raw() model.Syllabus {
	return s.raw
}

// Unit returns a unit by id.
func (s *Syllabus) Unit(id string) (model.SyllabusUnit, bool) {
	u, ok := s.units[id]
	return u, ok
}

// Outcome returns a course outcome by id.
func (s *Syllabus) Outcome(id string) (model.CourseOutcome, bool) {
	co, ok := s.outcomes[id]
	return co, ok
}

// UnitIDs returns unit ids in file order.
func (s *Syllabus) UnitIDs() []string {
	ids := make([]string, 0, len(s.raw.Units))
	for _, u := range s.raw.Units {
		ids = append(ids, strings.TrimSpace(u.ID))
	}
	return ids
}

// OutcomeIDs returns course outcome ids in file order.
func (s *Syllabus) OutcomeIDs() []string {
	ids := make([]string, 0, len(s.raw.Outcomes))
	for _, co := range s.raw.Outcomes {
		ids = append(ids, strings.TrimSpace(co.ID))
	}
	return ids
}

// RelatedOutcomes returns the other outcomes sharing a unit's number suffix
// ("unit_2" relates to "CO2"), sorted; used for secondary CO tagging.
func (s *Syllabus) RelatedOutcomes(unitID, primary string) []string {
	suffix := numericSuffix(unitID)
	if suffix == "" {
		return nil
	}
	var related []string
	for id := range s.outcomes {
		if id != primary && numericSuffix(id) == suffix {
			related = append(related, id)
		}
	}
	sort.Strings(related)
	return related
}

// RetrievalQuery builds the index query for a unit: its first three topics and the unit name.
func (s *Syllabus) RetrievalQuery(unitID string) string {
	u, ok := s.Unit(unitID)
	if !ok {
		return ""
	}
	topics := u.Topics
	if len(topics) > 3 {
		topics = topics[:3]
	}
	name := u.Name
	if name == "" {
		name = u.ID
	}
	if len(topics) == 0 {
		return name
	}
	return strings.Join(topics, ", ") + " from " + name
}

func numericSuffix(id string) string {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	return id[i:]
}
