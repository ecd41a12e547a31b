/*
 * Copyright (c) 2015, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package psiphon

import (
	"os/exec"
)

// NoticeHomePageLauncher reports home pages as Homepage notices, for the
// host application to display.
type NoticeHomePageLauncher struct {
}

func (launcher *NoticeHomePageLauncher) OpenHomePages(urls []string) {
	for _, url := range urls {
		NoticeHomepage(url)
	}
}

// BrowserHomePageLauncher opens each home page with a platform opener
// command, such as xdg-open, in addition to emitting the notice.
type BrowserHomePageLauncher struct {
	command []string
}

func NewBrowserHomePageLauncher(command []string) *BrowserHomePageLauncher {
	return &BrowserHomePageLauncher{command: command}
}

func (launcher *BrowserHomePageLauncher) OpenHomePages(urls []string) {
	for _, url := range urls {
		NoticeHomepage(url)
		args := append(append([]string(nil), launcher.command[1:]...), url)
		cmd := exec.Command(launcher.command[0], args...)
		err := cmd.Start()
		if err != nil {
			NoticeWarning("open home page failed: %v", err)
			continue
		}
		go cmd.Wait()
	}
}
