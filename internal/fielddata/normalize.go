package fielddata

// CanonicalizeBooleans returns a copy of the payload in which every field
// named in booleanFields carries a real boolean. Checkbox values arrive from
// the form layer as a mix of booleans and the strings "true"/"false"; any
// other representation is replaced with nil so the server can decide whether
// to reject it. Fields not named in booleanFields pass through untouched.
func CanonicalizeBooleans(data FormData, booleanFields []string) FormData {
	if data == nil {
		return nil
	}

	canonical := data.Clone()
	for _, fieldName := range booleanFields {
		rawValue, present := canonical[fieldName]
		if !present {
			continue
		}
		canonical[fieldName] = canonicalBoolean(rawValue)
	}
	return canonical
}

func canonicalBoolean(rawValue any) any {
	switch value := rawValue.(type) {
	case bool:
		return value
	case string:
		if value == "true" {
			return true
		}
		if value == "false" {
			return false
		}
		return nil
	default:
		return nil
	}
}
