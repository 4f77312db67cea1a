package pgutils

import "strconv"

// FormatVector renders embedding values as a pgvector literal, e.g.
// [0.1,0.2,0.3]. Floats use the shortest form that round-trips at
// float32 precision. pgvector rejects the empty literal "[]", so
// callers write NULL instead of formatting an empty embedding.
func FormatVector(v []float32) string {
	buf := make([]byte, 0, len(v)*12+2)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'f', -1, 32)
	}
	buf = append(buf, ']')
	return string(buf)
}
