package harvester

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"syscall"
)

// tailState — позиция чтения, переживающая рестарт агента.
// Inode отличает ротацию (новый файл на том же пути) от дозаписи.
type tailState struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// Tailer инкрементально читает лог-файл с диска, запоминая позицию
// в state-файле. Ротация и усечение сбрасывают позицию на начало.
type Tailer struct {
	logPath   string
	statePath string
	state     tailState
}

// NewTailer создает tailer и поднимает сохранённую позицию, если она есть.
func NewTailer(logPath, statePath string) *Tailer {
	t := &Tailer{logPath: logPath, statePath: statePath}
	t.loadState()
	return t
}

func (t *Tailer) loadState() {
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Не удалось прочитать state-файл %s: %v", t.statePath, err)
		}
		return
	}
	if err := json.Unmarshal(data, &t.state); err != nil {
		log.Printf("Битый state-файл %s, позиция сброшена: %v", t.statePath, err)
		t.state = tailState{}
	}
}

func (t *Tailer) saveState() {
	data, err := json.Marshal(t.state)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.statePath), 0o755); err != nil {
		log.Printf("Не удалось создать каталог для state-файла: %v", err)
		return
	}
	tmp := t.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("Не удалось записать state-файл: %v", err)
		return
	}
	if err := os.Rename(tmp, t.statePath); err != nil {
		log.Printf("Не удалось переименовать state-файл: %v", err)
	}
}

func fileInode(info os.FileInfo) uint64 {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		return sys.Ino
	}
	return 0
}

// ReadNewLines возвращает строки, дописанные с прошлого вызова.
// Отсутствующий файл — не ошибка: нода могла ещё не начать писать лог.
func (t *Tailer) ReadNewLines() ([]string, error) {
	f, err := os.Open(t.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка открытия лога %s: %w", t.logPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ошибка stat лога %s: %w", t.logPath, err)
	}

	inode := fileInode(info)
	if t.state.Inode != 0 && inode != t.state.Inode {
		log.Printf("Лог ротирован (inode %d -> %d), позиция сброшена", t.state.Inode, inode)
		t.state = tailState{Inode: inode}
	} else if info.Size() < t.state.Offset {
		log.Printf("Лог усечён (%d < %d), позиция сброшена", info.Size(), t.state.Offset)
		t.state = tailState{Inode: inode}
	}
	t.state.Inode = inode

	if t.state.Offset > 0 {
		if _, err := f.Seek(t.state.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("ошибка seek в логе: %w", err)
		}
	}

	var lines []string
	reader := bufio.NewReader(f)
	offset := t.state.Offset
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// Недописанная строка остаётся до следующего вызова
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения лога: %w", err)
		}
		offset += int64(len(line))
		lines = append(lines, line)
	}

	t.state.Offset = offset
	t.saveState()
	return lines, nil
}
