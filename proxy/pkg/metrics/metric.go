package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// Metric identifies a single instrument: a name plus a fixed set of label
// values. Two Metric values with the same String() refer to the same
// instrument.
type Metric interface {
	GetName() string
	GetLabels() map[string]string
	GetDescription() string
	String() string
}

type metric struct {
	name                 string
	labels               map[string]string
	description          string
	stringRepresentation string
}

func NewMetric(name string, description string) Metric {
	return newMetricBase(name, description, nil)
}

func NewMetricWithLabels(name string, description string, labels map[string]string) Metric {
	return newMetricBase(name, description, labels)
}

func newMetricBase(name string, description string, labels map[string]string) *metric {
	m := &metric{
		name:        name,
		description: description,
		labels:      labels,
	}
	m.stringRepresentation = computeStringRepresentation(m)
	return m
}

func computeStringRepresentation(mn *metric) string {
	labels := mn.GetLabels()
	if len(labels) == 0 {
		return mn.GetName()
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sb := strings.Builder{}
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(labels[k])
		sb.WriteString("\"")
	}
	return fmt.Sprintf("%v{%v}", mn.GetName(), sb.String())
}

func (mn *metric) GetName() string {
	return mn.name
}

func (mn *metric) GetLabels() map[string]string {
	return mn.labels
}

func (mn *metric) GetDescription() string {
	return mn.description
}

func (mn *metric) String() string {
	return mn.stringRepresentation
}
