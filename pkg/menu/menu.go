// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package menu draws an interactive boot menu on the serial console using
//VT100 escape codes for in-place updates: the header is drawn once, and only
//the menu lines that change are redrawn on navigation. Arrow keys work
//alongside u/d, vi-style k/j, and number keys.
package menu

import (
	"fmt"
	"time"

	"github.com/purecloudlabs/slotboot/pkg/hw/console"
	"github.com/purecloudlabs/slotboot/pkg/log"
)

// Action is one menu entry. Run returning (with any error) brings the user
// back to a redrawn menu; actions that reboot or hand off never return.
type Action struct {
	Name string
	Run  func() error
}

// Menu is a serial console menu.
type Menu struct {
	Console console.Console
	Title   string
	//"Key : value" lines shown in the header
	Info    []string
	Actions []Action

	//first row where menu items are drawn; set during header draw
	startRow int
}

const separator = "----------------------------------------------"

//~50ms; how long to wait for the remainder of an escape sequence
const escTimeout = 50 * time.Millisecond

func (m *Menu) printf(f string, va ...interface{}) {
	fmt.Fprintf(m.Console, f, va...)
}

/*
 * VT100 escape helpers for in-place terminal updates. These work on any
 * terminal emulator (minicom, picocom, screen, PuTTY, etc.).
 */
func (m *Menu) clearScreen()    { m.printf("\033[2J\033[H") }
func (m *Menu) hideCursor()     { m.printf("\033[?25l") }
func (m *Menu) showCursor()     { m.printf("\033[?25h") }
func (m *Menu) goTo(row int)    { m.printf("\033[%d;%dH", row, 1) }
func (m *Menu) clearEOL()       { m.printf("\033[K") }
func (m *Menu) line(row int, s string) {
	m.goTo(row)
	m.printf("%s", s)
}

//draw the static header once; returns the next free row
func (m *Menu) drawHeader() int {
	m.clearScreen()
	m.hideCursor()

	row := 1
	m.line(row, separator)
	row++
	m.line(row, "  "+m.Title)
	row++
	m.line(row, separator)
	row++
	for _, info := range m.Info {
		m.line(row, "  "+info)
		row++
	}
	m.line(row, separator)
	row++
	//blank line before menu
	row++
	return row
}

func (m *Menu) drawOption(idx int, selected bool) {
	m.goTo(m.startRow + idx)
	m.clearEOL()
	if selected {
		m.printf("  > %d. %s", idx+1, m.Actions[idx].Name)
	} else {
		m.printf("    %d. %s", idx+1, m.Actions[idx].Name)
	}
}

func (m *Menu) drawAllOptions(sel int) {
	for i := range m.Actions {
		m.drawOption(i, i == sel)
	}
}

func (m *Menu) drawFooter() {
	row := m.startRow + len(m.Actions) + 1
	m.line(row, separator)
	row++
	m.line(row, "  Arrows/u/d: navigate   Enter: select")
	row++
	m.line(row, "  1-9: jump to option    q: quit")
	row++
	m.line(row, separator)
}

//transient status message below the footer
func (m *Menu) drawStatus(msg string) {
	m.goTo(m.startRow + len(m.Actions) + 6)
	m.clearEOL()
	if msg != "" {
		m.printf("  %s", msg)
	}
}

func (m *Menu) draw(sel int) {
	m.startRow = m.drawHeader()
	m.drawAllOptions(sel)
	m.drawFooter()
	m.drawStatus("")
}

//block until a byte arrives
func (m *Menu) getc() byte {
	for {
		if b, ok := m.Console.ReadByte(time.Hour); ok {
			return b
		}
	}
}

func (m *Menu) runAction(sel int) {
	m.drawStatus("")
	m.drawOption(sel, true)
	m.showCursor()

	log.Logf("menu: executing %q", m.Actions[sel].Name)
	if err := m.Actions[sel].Run(); err != nil {
		log.Logf("menu: %s: %s", m.Actions[sel].Name, err)
	}

	//the action returned (e.g. UMS exit): redraw
	m.draw(sel)
	m.drawStatus("Returned from action")
}

// Run drives the menu until the user quits with 'q'.
func (m *Menu) Run() {
	sel := 0
	m.draw(sel)

	for {
		c := m.getc()
		old := sel

		switch c {
		case '\033':
			/*
			 * VT100 arrow keys send ESC [ A (up) or ESC [ B (down). If the
			 * rest doesn't arrive quickly this was a bare ESC - ignore it.
			 */
			seq1, ok := m.Console.ReadByte(escTimeout)
			if !ok || seq1 != '[' {
				continue
			}
			seq2, ok := m.Console.ReadByte(escTimeout)
			if !ok {
				continue
			}
			switch seq2 {
			case 'A':
				sel = wrapDec(sel, len(m.Actions))
			case 'B':
				sel = wrapInc(sel, len(m.Actions))
			default:
				continue
			}

		case 'u', 'U', 'k': //k: vi-style
			sel = wrapDec(sel, len(m.Actions))

		case 'd', 'D', 'j': //j: vi-style
			sel = wrapInc(sel, len(m.Actions))

		case '\r', '\n':
			m.runAction(sel)
			continue

		case 'q', 'Q':
			m.showCursor()
			m.drawStatus("")
			log.Logf("menu: exiting")
			return

		case '1', '2', '3', '4', '5', '6', '7', '8', '9':
			choice := int(c - '1')
			if choice >= len(m.Actions) {
				m.drawStatus("Invalid option")
				continue
			}
			sel = choice
			if old != sel {
				m.drawOption(old, false)
				m.drawOption(sel, true)
			}
			m.runAction(sel)
			continue

		default:
			//ignore unknown input silently
			continue
		}

		//only update the two lines that changed
		if old != sel {
			m.drawOption(old, false)
			m.drawOption(sel, true)
			m.drawStatus("")
		}
	}
}

func wrapDec(sel, n int) int {
	if sel == 0 {
		return n - 1
	}
	return sel - 1
}

func wrapInc(sel, n int) int {
	sel++
	if sel >= n {
		return 0
	}
	return sel
}
