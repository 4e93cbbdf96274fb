package users

import (
	"encoding/json"
	"strings"
)

// Field is a JSON string that remembers whether the key was present and
// whether it carried null, so that a missing field and an empty one can be
// told apart.
type Field struct {
	Value string
	Set   bool
	Null  bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Field) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Null = true
		f.Value = ""
		return nil
	}
	return json.Unmarshal(b, &f.Value)
}

// MarshalJSON implements json.Marshaler.
func (f Field) MarshalJSON() ([]byte, error) {
	if !f.Set || f.Null {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// Of returns a present field holding v.
func Of(v string) Field { return Field{Value: v, Set: true} }

// Blank reports a present field that is null or only whitespace.
func (f Field) Blank() bool {
	return f.Set && (f.Null || strings.TrimSpace(f.Value) == "")
}

func (f Field) ptr() *string {
	if !f.Set {
		return nil
	}
	v := strings.TrimSpace(f.Value)
	return &v
}

// Registration is the body of a create request. Every field is required.
type Registration struct {
	Username   Field `json:"username"`
	Password   Field `json:"password"`
	Email      Field `json:"email"`
	Phone      Field `json:"phone"`
	ChatHandle Field `json:"chat_handle"`
	Role       Field `json:"role"`
	Status     Field `json:"status"`
	Address    Field `json:"address"`
}

func (r Registration) fields() []Field {
	return []Field{r.Username, r.Password, r.Email, r.Phone, r.ChatHandle, r.Role, r.Status, r.Address}
}

// Update is the body of an update request. Absent fields are left unchanged.
type Update struct {
	Username   Field `json:"username"`
	Password   Field `json:"password"`
	Email      Field `json:"email"`
	Phone      Field `json:"phone"`
	ChatHandle Field `json:"chat_handle"`
	Role       Field `json:"role"`
	Status     Field `json:"status"`
	Address    Field `json:"address"`
}

func (u Update) fields() []Field {
	return []Field{u.Username, u.Password, u.Email, u.Phone, u.ChatHandle, u.Role, u.Status, u.Address}
}

// Credentials is the body of a login request.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
