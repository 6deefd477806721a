package pkg

// Contains check source have target
func Contains(slice []string, val string) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// AppendIfNotExists append val only once
func AppendIfNotExists(list []string, val string) []string {
	if Contains(list, val) {
		return list
	}
	return append(list, val)
}

// Remove drop every val from list
func Remove(list []string, val string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != val {
			out = append(out, v)
		}
	}
	return out
}
