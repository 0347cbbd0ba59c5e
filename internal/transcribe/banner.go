package transcribe

import (
	"strings"
	"unicode"
)

const glyphRows = 5

// glyphs is a 5-row block font. Unknown runes render as blanks.
var glyphs = map[rune][glyphRows]string{
	'A':  {" ### ", "#   #", "#####", "#   #", "#   #"},
	'B':  {"#### ", "#   #", "#### ", "#   #", "#### "},
	'C':  {" ####", "#    ", "#    ", "#    ", " ####"},
	'D':  {"#### ", "#   #", "#   #", "#   #", "#### "},
	'E':  {"#####", "#    ", "#### ", "#    ", "#####"},
	'F':  {"#####", "#    ", "#### ", "#    ", "#    "},
	'G':  {" ####", "#    ", "#  ##", "#   #", " ####"},
	'H':  {"#   #", "#   #", "#####", "#   #", "#   #"},
	'I':  {"#####", "  #  ", "  #  ", "  #  ", "#####"},
	'J':  {"#####", "   # ", "   # ", "#  # ", " ##  "},
	'K':  {"#   #", "#  # ", "###  ", "#  # ", "#   #"},
	'L':  {"#    ", "#    ", "#    ", "#    ", "#####"},
	'M':  {"#   #", "## ##", "# # #", "#   #", "#   #"},
	'N':  {"#   #", "##  #", "# # #", "#  ##", "#   #"},
	'O':  {" ### ", "#   #", "#   #", "#   #", " ### "},
	'P':  {"#### ", "#   #", "#### ", "#    ", "#    "},
	'Q':  {" ### ", "#   #", "# # #", "#  # ", " ## #"},
	'R':  {"#### ", "#   #", "#### ", "#  # ", "#   #"},
	'S':  {" ####", "#    ", " ### ", "    #", "#### "},
	'T':  {"#####", "  #  ", "  #  ", "  #  ", "  #  "},
	'U':  {"#   #", "#   #", "#   #", "#   #", " ### "},
	'V':  {"#   #", "#   #", "#   #", " # # ", "  #  "},
	'W':  {"#   #", "#   #", "# # #", "## ##", "#   #"},
	'X':  {"#   #", " # # ", "  #  ", " # # ", "#   #"},
	'Y':  {"#   #", " # # ", "  #  ", "  #  ", "  #  "},
	'Z':  {"#####", "   # ", "  #  ", " #   ", "#####"},
	'0':  {" ### ", "#  ##", "# # #", "##  #", " ### "},
	'1':  {"  #  ", " ##  ", "  #  ", "  #  ", "#####"},
	'2':  {" ### ", "#   #", "  ## ", " #   ", "#####"},
	'3':  {"#### ", "    #", " ### ", "    #", "#### "},
	'4':  {"#  # ", "#  # ", "#####", "   # ", "   # "},
	'5':  {"#####", "#    ", "#### ", "    #", "#### "},
	'6':  {" ### ", "#    ", "#### ", "#   #", " ### "},
	'7':  {"#####", "    #", "   # ", "  #  ", "  #  "},
	'8':  {" ### ", "#   #", " ### ", "#   #", " ### "},
	'9':  {" ### ", "#   #", " ####", "    #", " ### "},
	'!':  {"  #  ", "  #  ", "  #  ", "     ", "  #  "},
	'?':  {" ### ", "#   #", "  ## ", "     ", "  #  "},
	'.':  {"     ", "     ", "     ", "     ", "  #  "},
	',':  {"     ", "     ", "     ", "  #  ", " #   "},
	'\'': {"  #  ", "  #  ", "     ", "     ", "     "},
	'-':  {"     ", "     ", "#####", "     ", "     "},
}

// Banner renders text in block letters, one glyph per rune, joined by a
// single column of space. Trailing spaces are trimmed from each row.
func Banner(text string) string {
	var rows [glyphRows]strings.Builder
	for i, r := range strings.ToUpper(strings.TrimSpace(text)) {
		g, ok := glyphs[r]
		if !ok || unicode.IsSpace(r) {
			g = [glyphRows]string{"     ", "     ", "     ", "     ", "     "}
		}
		for row := range rows {
			if i > 0 {
				rows[row].WriteByte(' ')
			}
			rows[row].WriteString(g[row])
		}
	}
	lines := make([]string, glyphRows)
	for row := range rows {
		lines[row] = strings.TrimRight(rows[row].String(), " ")
	}
	return strings.Join(lines, "\n")
}
