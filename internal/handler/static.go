package handler

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
)

// NewStaticHandler はdir配下のフロントエンドバンドルを配信するハンドラーを返す。
// ディレクトリへのリクエストにはindex.htmlを返し、index.htmlの無いディレクトリは一覧表示せず404とする。
// dirが存在しない場合はすべてのパスが404になる。
func NewStaticHandler(dir string) http.Handler {
	return http.FileServer(indexOnlyFS{http.Dir(dir)})
}

// indexOnlyFS はindex.htmlを持たないディレクトリを存在しないものとして扱う。
type indexOnlyFS struct {
	fs http.FileSystem
}

func (f indexOnlyFS) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if !info.IsDir() {
		return file, nil
	}

	index, err := f.fs.Open(path.Join(name, "index.html"))
	if err != nil {
		file.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fs.ErrNotExist
		}
		return nil, err
	}
	index.Close()

	return file, nil
}
