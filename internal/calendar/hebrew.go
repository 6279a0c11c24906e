package calendar

import (
	"fmt"
	"strconv"
	"strings"
)

// Month is a Hebrew month in the transliteration the converter API expects.
type Month string

const (
	Nisan    Month = "Nisan"
	Iyyar    Month = "Iyyar"
	Sivan    Month = "Sivan"
	Tamuz    Month = "Tamuz"
	Av       Month = "Av"
	Elul     Month = "Elul"
	Tishrei  Month = "Tishrei"
	Cheshvan Month = "Cheshvan"
	Kislev   Month = "Kislev"
	Tevet    Month = "Tevet"
	Shvat    Month = "Shvat"
	Adar     Month = "Adar"
	Adar1    Month = "Adar1"
	Adar2    Month = "Adar2"
)

var hebrewMonths = map[string]Month{
	"ניסן":    Nisan,
	"אייר":    Iyyar,
	"סיון":    Sivan,
	"סיוון":   Sivan,
	"תמוז":    Tamuz,
	"אב":      Av,
	"אלול":    Elul,
	"תשרי":    Tishrei,
	"חשון":    Cheshvan,
	"חשוון":   Cheshvan,
	"מרחשון":  Cheshvan,
	"מרחשוון": Cheshvan,
	"כסלו":    Kislev,
	"כסליו":   Kislev,
	"טבת":     Tevet,
	"שבט":     Shvat,
	"אדר":     Adar,
	"אדר א":   Adar1,
	"אדר ב":   Adar2,
}

var englishMonths = map[string]Month{
	"nisan":    Nisan,
	"nissan":   Nisan,
	"iyyar":    Iyyar,
	"iyar":     Iyyar,
	"sivan":    Sivan,
	"tamuz":    Tamuz,
	"tammuz":   Tamuz,
	"av":       Av,
	"elul":     Elul,
	"tishrei":  Tishrei,
	"tishri":   Tishrei,
	"cheshvan": Cheshvan,
	"heshvan":  Cheshvan,
	"kislev":   Kislev,
	"tevet":    Tevet,
	"teves":    Tevet,
	"shvat":    Shvat,
	"shevat":   Shvat,
	"adar":     Adar,
	"adar1":    Adar1,
	"adar i":   Adar1,
	"adar2":    Adar2,
	"adar ii":  Adar2,
}

const hebrewLetters = "אבגדהוזחטיכלמנסעפצקרשת"

var letterValues = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 200, 300, 400}

// Final forms map onto their regular letters.
var finalLetters = map[rune]rune{'ך': 'כ', 'ם': 'מ', 'ן': 'נ', 'ף': 'פ', 'ץ': 'צ'}

func letterValue(r rune) int {
	if base, ok := finalLetters[r]; ok {
		r = base
	}
	i := 0
	for _, l := range hebrewLetters {
		if l == r {
			return letterValues[i]
		}
		i++
	}
	return 0
}

// cleanHebrew drops everything but Hebrew letters and spaces (geresh,
// gershayim, quotes, punctuation).
func cleanHebrew(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || letterValue(r) > 0 {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ParseMonth accepts a Hebrew month name (ניסן, אדר ב׳) or an English
// transliteration (Nisan, Adar II).
func ParseMonth(s string) (Month, error) {
	if m, ok := hebrewMonths[cleanHebrew(s)]; ok {
		return m, nil
	}
	if m, ok := englishMonths[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown hebrew month %q", s)
}

// ParseDay accepts a day of month as digits or as a Hebrew numeral (ט"ו).
func ParseDay(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 30 {
			return 0, fmt.Errorf("hebrew day %d out of range", n)
		}
		return n, nil
	}

	total := 0
	for _, r := range s {
		total += letterValue(r)
	}
	if total < 1 || total > 30 {
		return 0, fmt.Errorf("invalid hebrew day %q", s)
	}
	return total, nil
}

// HebrewName returns the month in Hebrew, for message rendering.
func (m Month) HebrewName() string {
	switch m {
	case Nisan:
		return "ניסן"
	case Iyyar:
		return "אייר"
	case Sivan:
		return "סיוון"
	case Tamuz:
		return "תמוז"
	case Av:
		return "אב"
	case Elul:
		return "אלול"
	case Tishrei:
		return "תשרי"
	case Cheshvan:
		return "חשוון"
	case Kislev:
		return "כסלו"
	case Tevet:
		return "טבת"
	case Shvat:
		return "שבט"
	case Adar:
		return "אדר"
	case Adar1:
		return "אדר א׳"
	case Adar2:
		return "אדר ב׳"
	}
	return string(m)
}
