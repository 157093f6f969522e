package meal

import "strings"

// Menu is one entry of the remote menu catalog. Code is the remote corner code.
type Menu struct {
	Code    string
	Initial string
	Label   string
}

// Catalog maps the one-letter initials users write in their preference list
// to remote corner codes.
var Catalog = []Menu{
	{Code: "0005", Initial: "샌", Label: "sandwich"},
	{Code: "0006", Initial: "샐", Label: "salad"},
	{Code: "0007", Initial: "빵", Label: "bakery"},
	{Code: "0009", Initial: "헬", Label: "healthy"},
	{Code: "0010", Initial: "닭", Label: "chicken"},
}

// LookupMenu resolves a preference entry given as a code, an initial or a label.
func LookupMenu(entry string) (Menu, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return Menu{}, false
	}
	for _, m := range Catalog {
		if entry == m.Code || entry == m.Initial || strings.EqualFold(entry, m.Label) {
			return m, true
		}
	}
	return Menu{}, false
}

// ResolveMenus maps a preference list to catalog menus, keeping order and
// dropping duplicates. Unknown entries are returned separately.
func ResolveMenus(entries []string) (menus []Menu, unknown []string) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		m, ok := LookupMenu(e)
		if !ok {
			if strings.TrimSpace(e) != "" {
				unknown = append(unknown, e)
			}
			continue
		}
		if seen[m.Code] {
			continue
		}
		seen[m.Code] = true
		menus = append(menus, m)
	}
	return menus, unknown
}

// MenuLabel returns a display label for a corner code.
func MenuLabel(code string) string {
	for _, m := range Catalog {
		if m.Code == code {
			return m.Label
		}
	}
	return code
}

// Categories decides which corner codes are "special" add-ons. A special
// reservation does not block further attempts for a primary menu.
type Categories struct {
	Special map[string]bool
}

func NewCategories(specialCodes []string) Categories {
	c := Categories{Special: make(map[string]bool, len(specialCodes))}
	for _, s := range specialCodes {
		if m, ok := LookupMenu(s); ok {
			c.Special[m.Code] = true
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			c.Special[s] = true
		}
	}
	return c
}

func (c Categories) IsPrimary(code string) bool {
	return !c.Special[code]
}

// FirstPrimary returns the first active reservation with a primary code.
func (c Categories) FirstPrimary(rs []Reservation) (Reservation, bool) {
	for _, r := range rs {
		if r.Active() && c.IsPrimary(r.MenuCode) {
			return r, true
		}
	}
	return Reservation{}, false
}
